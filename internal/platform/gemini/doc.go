// Package gemini provides an ai.Provider backed by Google's Gemini API.
//
// This package is an infrastructure adapter: it translates a resolved prompt
// into a GenerateContent request and the response back into plain text,
// classifying blocked or safety-stopped responses as content errors. Timeouts,
// retries, and fallback are the caller's concern.
package gemini
