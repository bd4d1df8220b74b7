// Package packager turns a staging workspace into a published archive.
//
// Packager streams the fetched files and the manifest snapshot into a part
// archive and clears the workspace. Publisher renames the part archive over
// the published one, which is atomic on a single filesystem, and optionally
// mirrors it to a blob bucket. Unpack restores a published archive into a
// workspace so its files can be reused by the next generation.
package packager
