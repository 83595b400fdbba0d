// Package engine runs prompts and batches of subagent tasks against a
// session.
//
// Every prompt goes through the same pipeline: the security filter, a
// ledger reservation, the generation backend, then per-event accounting
// and appending to the session transcript. Batches drive that pipeline
// through the Coordinator, which bounds concurrency by the session's
// MaxParallelSubagents.
//
// Generation runs on a context derived from the session, not from the
// caller. A consumer that stops reading does not stop generation; use
// Cancel for that, or close the session.
package engine
