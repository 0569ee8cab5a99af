// Package failures tags per-file processing errors with the stage that
// produced them so callers can report a kind and decide whether a failure is
// recoverable for the rest of the batch.
package failures

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrConversion    = errors.New("conversion failure")
	ErrQuality       = errors.New("quality assessment failure")
	ErrTranscription = errors.New("transcription failure")
	ErrExport        = errors.New("export failure")
	ErrFatal         = errors.New("resource exhaustion")
)

// Wrap builds a stage-qualified error tagged with marker. Resource exhaustion
// is detected here so that a disk-full export surfaces as ErrFatal no matter
// which stage hit it.
func Wrap(marker error, stage, operation string, err error) error {
	detail := buildDetail(stage, operation)
	if marker == nil {
		marker = ErrExport
	}
	if err != nil && IsResourceExhaustion(err) {
		marker = ErrFatal
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Validation returns a user-correctable error naming the violated rule.
func Validation(rule string) error {
	return fmt.Errorf("%w: %s", ErrValidation, rule)
}

// Kind maps err to a short machine-readable kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFatal):
		return "fatal"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConversion):
		return "conversion"
	case errors.Is(err, ErrQuality):
		return "quality"
	case errors.Is(err, ErrTranscription):
		return "transcription"
	case errors.Is(err, ErrExport):
		return "export"
	default:
		return "internal"
	}
}

// IsResourceExhaustion reports whether err stems from a full disk, exhausted
// quota or failed allocation. These abort the whole batch.
func IsResourceExhaustion(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) {
		return true
	}
	return errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EDQUOT) ||
		errors.Is(err, syscall.ENOMEM)
}

func buildDetail(stage, operation string) string {
	parts := make([]string, 0, 2)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if len(parts) == 0 {
		return "processing"
	}
	return strings.Join(parts, ": ")
}
