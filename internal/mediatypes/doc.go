// Package mediatypes classifies source files and names the content types
// the server emits.
//
// It has no dependencies beyond the standard library so that the handler,
// pipeline and startup packages can all share it.
//
//	ext := mediatypes.Ext(path)
//	if !mediatypes.IsTranscodable(ext) {
//	    return errUnsupported
//	}
//
// Folder batches are ordered with [SortField] and [SortOrder], using the
// same names the request API accepts.
package mediatypes
