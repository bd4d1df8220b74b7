// Package config defines the settings of the archive service and provides
// helpers to load, validate and save them in YAML format.
//
// Validate fills defaults for every optional field, so a zero Config is a
// usable configuration rooted at ./data.
package config
