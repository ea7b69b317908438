// Package segcodec reads and writes the on-disk formats of segment file
// payloads: raw vector blocks, compressed vector blocks, serialized index
// binary sets and generic data blocks.
package segcodec
