package models

import "github.com/pkg/errors"

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownState  = errors.New("unknown shipment state")
	ErrEmptyBatch    = errors.New("batch has no valid records")
	ErrQuotaExceeded = errors.New("interest quota exceeded")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrJobNotFound   = errors.New("upload job not found")
)
