// Package main is the entry point for the databox sandbox server.
//
// The server exposes a disposable-container execution engine for untrusted
// generated analysis code over the Model Context Protocol, on stdio or
// HTTP. Host variables referenced by the code are marshaled into each run's
// read-only inputs mount, and old run directories are pruned after every
// execution.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main
