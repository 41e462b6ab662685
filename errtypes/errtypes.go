// Package errtypes contains the sentinel errors shared by the model packages.
// Callers wrap them with fmt.Errorf("%w: ...") and match with errors.Is.
package errtypes

import "errors"

var (
	// ErrConfigMismatch reports a stored or requested architecture that does
	// not agree with the model it is applied to.
	ErrConfigMismatch = errors.New("config mismatch")

	// ErrShape reports an input whose dimensions differ from the configured
	// picture shape or sequence length.
	ErrShape = errors.New("shape mismatch")

	// ErrVocabularyLookup reports a token id outside the vocabulary.
	ErrVocabularyLookup = errors.New("vocabulary lookup")

	// ErrNumericInstability reports a non-finite loss or metric.
	ErrNumericInstability = errors.New("numeric instability")
)
