package training

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// PrepareDocuments converts PDF, HTML and EPUB training files in dir to plain text.
// Each converted file is replaced by <name>.txt; files that fail to convert are left untouched.
func PrepareDocuments(dir string, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("read training dir failed", "dir", dir, "err", err)
		return nil
	}
	var converted []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)
		var text string
		switch strings.ToLower(filepath.Ext(name)) {
		case ".pdf":
			text, err = pdfText(path)
		case ".html", ".htm", ".xhtml":
			text, err = htmlFileText(path)
		case ".epub":
			text, err = epubText(path)
		default:
			continue
		}
		if err == nil && text == "" {
			err = errors.New("no text extracted")
		}
		if err != nil {
			logger.Warn("document conversion failed, keeping original", "file", name, "err", err)
			continue
		}
		target := path + ".txt"
		if err := os.WriteFile(target, []byte(text), 0o644); err != nil {
			logger.Warn("write converted document failed", "file", name, "err", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("remove original document failed", "file", name, "err", err)
		}
		converted = append(converted, name)
	}
	return converted
}

func pdfText(path string) (string, error) {
	if text, err := pdfTextWithPdftotext(path); err == nil && text != "" {
		return text, nil
	}
	return pdfTextWithGoLib(path)
}

// pdftotext (poppler-utils) copes better with complex layouts when it is installed.
func pdfTextWithPdftotext(path string) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("pdftotext not found: %w", err)
	}
	output, err := exec.Command("pdftotext", "-layout", "-enc", "UTF-8", path, "-").Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	return normalizeText(string(output)), nil
}

func pdfTextWithGoLib(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// skip unreadable pages
			continue
		}
		if text = normalizeText(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

func htmlFileText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return htmlText(data)
}

func htmlText(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	return normalizeText(extractText(doc)), nil
}

func epubText(path string) (string, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open epub: %w", err)
	}
	defer reader.Close()
	var sections []string
	for _, file := range reader.File {
		name := strings.ToLower(file.Name)
		if !(strings.HasSuffix(name, ".xhtml") || strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")) {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("read epub file: %w", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read epub content: %w", err)
		}
		text, err := htmlText(data)
		if err != nil {
			return "", err
		}
		if text != "" {
			sections = append(sections, text)
		}
	}
	return strings.Join(sections, "\n\n"), nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

func extractText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return buf.String()
}
