// Package snapshot implements the manifest snapshot stored with every archive.
//
// The snapshot is the JSON form of the content manifest. It is written into the
// staging workspace under the build id and travels inside the archive, so the
// next generation can recover the checksums it was built from.
package snapshot
