// Package secrets redacts credentials from session transcripts before they
// are persisted, using the Gitleaks rule set.
package secrets
