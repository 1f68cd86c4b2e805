// Package logx is clashcaller's structured logging: a small Logger on top of
// zerolog with readable console output, a JSON log file and an optional
// operator chat sink (minimum level plus rate limit). Outputs can be swapped
// at runtime with Service.Apply.
package logx
