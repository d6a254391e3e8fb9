// Package shared holds code used across layers. Its testutil subpackage
// provides license fixtures, an in-process licensing authority and a
// capturing slog handler for tests.
package shared
