// Package status keeps the generation status of every build.
//
// The MemoryStore is the explicit key-value store handed to the orchestrator.
// It is not persisted: completed builds are reconstructed from the published
// archives at startup.
package status
