// Package ai invokes text-generation providers on behalf of the task
// pipeline. It resolves prompts, bounds every call with a per-call timeout,
// degrades to a fallback provider on transport failure, and reports every
// failure as a classified domain.PipelineError so callers can decide
// between retrying and failing.
package ai
