// Package security provides validation, sanitization, and limits for the jobs package.
//
// This package includes:
//   - Input validation for payload references and cache keys
//   - Error message sanitization before messages are stored on jobs
//   - Clamping functions to enforce safe limits on retries, workers and queue sizes
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/jdziat/adaptive-jobs
// which re-exports these functions.
package security
