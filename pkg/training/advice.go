package training

import (
	"context"
	"fmt"
	"math"
	"strings"

	"avatarlora/pkg/domain"
)

const (
	largeFileBytes       = 100 << 20
	minTrainingBytes     = 100
	bytesPerToken        = 4
	tokensPerSequence    = 512
	secondsPerStep       = 2.0
	tierTinyUpperBytes   = 1 << 20
	tierSmallUpperBytes  = 10 << 20
	tierMediumUpperBytes = 50 << 20
)

var textLikeMarkers = []string{"text", "json", "xml", "csv", "markdown", "yaml"}

type FileReport struct {
	Filename    string   `json:"filename"`
	Size        int64    `json:"size"`
	ContentType string   `json:"content_type,omitempty"`
	Valid       bool     `json:"valid"`
	Issues      []string `json:"issues,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

type ValidationReport struct {
	Files       []FileReport `json:"files"`
	TotalFiles  int          `json:"total_files"`
	ValidFiles  int          `json:"valid_files"`
	TotalBytes  int64        `json:"total_bytes"`
	Recommended bool         `json:"recommended"`
}

// ValidateTrainingData checks every flagged file. Empty files are invalid; very large files
// and non-text content types only produce warnings.
func ValidateTrainingData(ctx context.Context, p Persistence) (ValidationReport, error) {
	flagged := true
	files, err := p.ListTrainingFiles(ctx, &flagged)
	if err != nil {
		return ValidationReport{}, fmt.Errorf("list training files: %w", err)
	}
	return validateFiles(files), nil
}

func validateFiles(files []domain.TrainingFile) ValidationReport {
	report := ValidationReport{Files: make([]FileReport, 0, len(files)), TotalFiles: len(files)}
	for _, f := range files {
		fr := FileReport{Filename: f.Filename, Size: f.Size, ContentType: f.ContentType, Valid: true}
		if f.Size == 0 {
			fr.Valid = false
			fr.Issues = append(fr.Issues, "file is empty")
		}
		if f.Size > largeFileBytes {
			fr.Warnings = append(fr.Warnings, "file is larger than 100 MiB")
		}
		if f.ContentType != "" && !isTextLike(f.ContentType) {
			fr.Warnings = append(fr.Warnings, fmt.Sprintf("content type %q may not be text", f.ContentType))
		}
		if fr.Valid {
			report.ValidFiles++
		}
		report.TotalBytes += f.Size
		report.Files = append(report.Files, fr)
	}
	report.Recommended = report.ValidFiles > 0 && report.TotalBytes > minTrainingBytes
	return report
}

func isTextLike(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, marker := range textLikeMarkers {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

type Recommendation struct {
	Tier                   string  `json:"tier"`
	TotalBytes             int64   `json:"total_bytes"`
	TotalFiles             int     `json:"total_files"`
	Parameters             Params  `json:"parameters"`
	EstimatedSteps         int     `json:"estimated_steps"`
	EstimatedTimeSeconds   float64 `json:"estimated_time_seconds"`
	EstimatedTimeMinutes   float64 `json:"estimated_time_minutes"`
	EstimatedTokens        int64   `json:"estimated_tokens"`
	EstimatedSequenceCount int64   `json:"estimated_sequences"`
}

// RecommendParameters sizes a parameter preset to the flagged data volume.
func RecommendParameters(ctx context.Context, p Persistence) (Recommendation, error) {
	flagged := true
	files, err := p.ListTrainingFiles(ctx, &flagged)
	if err != nil {
		return Recommendation{}, fmt.Errorf("list training files: %w", err)
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	rec := recommendFor(total)
	rec.TotalFiles = len(files)
	return rec, nil
}

func recommendFor(totalBytes int64) Recommendation {
	var tier string
	var preset Params
	switch {
	case totalBytes < tierTinyUpperBytes:
		tier = "tiny"
		preset = Params{"num_train_epochs": 5, "per_device_train_batch_size": 2, "gradient_accumulation_steps": 4, "learning_rate": 3e-4, "warmup_steps": 5}
	case totalBytes < tierSmallUpperBytes:
		tier = "small"
		preset = Params{"num_train_epochs": 3, "per_device_train_batch_size": 4, "gradient_accumulation_steps": 2, "learning_rate": 5e-4, "warmup_steps": 10}
	case totalBytes < tierMediumUpperBytes:
		tier = "medium"
		preset = Params{"num_train_epochs": 2, "per_device_train_batch_size": 8, "gradient_accumulation_steps": 1, "learning_rate": 5e-4, "warmup_steps": 50}
	default:
		tier = "large"
		preset = Params{"num_train_epochs": 1, "per_device_train_batch_size": 8, "gradient_accumulation_steps": 1, "learning_rate": 1e-4, "warmup_steps": 100}
	}
	params := MergeParams(DefaultParams(), preset)

	epochs := preset["num_train_epochs"].(int)
	perStep := preset["per_device_train_batch_size"].(int) * preset["gradient_accumulation_steps"].(int)
	tokens := totalBytes / bytesPerToken
	sequences := tokens / tokensPerSequence
	steps := int(math.Ceil(float64(sequences) * float64(epochs) / float64(perStep)))
	seconds := float64(steps) * secondsPerStep
	return Recommendation{
		Tier:                   tier,
		TotalBytes:             totalBytes,
		Parameters:             params,
		EstimatedSteps:         steps,
		EstimatedTimeSeconds:   seconds,
		EstimatedTimeMinutes:   math.Round(seconds/60*10) / 10,
		EstimatedTokens:        tokens,
		EstimatedSequenceCount: sequences,
	}
}
