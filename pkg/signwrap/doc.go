// Package signwrap keeps ZIP-carrying executables valid across code signing.
//
// Launchers that wrap an archive in a native executable stub leave a ZIP
// end-of-central-directory record at the tail of the file. A signing tool
// then appends its signature after that record, and the archive no longer
// ends where the record says it does. The classic fix rewrites the record's
// comment-length field so the signature reads as a trailing ZIP comment,
// but that only works when the signature size is known in advance, which it
// is not for signers whose output varies (timestamping, for example).
//
// This package signs iteratively instead: each pass reserves comment room
// for the signature size observed on the previous pass, and the loop stops
// once two successive passes agree.
//
// # Basic Usage
//
//	job := &signwrap.Job{
//	    File:    "app.exe",
//	    Command: []string{"signtool", "sign", "/f", "cert.pfx", "app.exe"},
//	}
//	err := job.Execute(ctx)
//
// The signing operation can also be an in-process routine; anything
// satisfying the one-method Signer interface works.
package signwrap
