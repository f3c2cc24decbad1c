package training

import "maps"

// Params is a flat training parameter set passed to the procedure.
type Params map[string]any

// DefaultParams returns the parameters used when the caller supplies none.
func DefaultParams() Params {
	return Params{
		"num_train_epochs":            3,
		"per_device_train_batch_size": 4,
		"gradient_accumulation_steps": 2,
		"warmup_steps":                10,
		"logging_steps":               10,
		"save_strategy":               "epoch",
		"learning_rate":               5e-4,
		"max_length":                  512,
	}
}

// MergeParams overlays overrides onto defaults. Keys are replaced whole; nothing is merged deeply.
func MergeParams(defaults, overrides Params) Params {
	out := make(Params, len(defaults)+len(overrides))
	maps.Copy(out, defaults)
	maps.Copy(out, overrides)
	return out
}
