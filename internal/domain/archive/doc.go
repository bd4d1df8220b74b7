// Package archive contains the core domain types of the build archive.
//
// It defines the content manifest of a build, the generation status, the
// checksum gate that decides whether a previously archived file may be reused,
// and the on-disk layout shared by every stage of a generation.
package archive
