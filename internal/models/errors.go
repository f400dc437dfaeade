package models

import "errors"

// Error taxonomy shared by ingestion and retrieval. Errors returned by the
// pipelines wrap exactly one of these; test with errors.Is.
var (
	ErrNoDocumentsFound = errors.New("no documents found")
	ErrEmbedding        = errors.New("embedding failed")
	ErrIndexBuild       = errors.New("index build failed")
	ErrIndexCorrupt     = errors.New("index corrupt")
	ErrInvalidQuery     = errors.New("invalid query")
	ErrSynthesis        = errors.New("answer synthesis failed")
	ErrSynthesisTimeout = errors.New("answer synthesis timed out")
)
