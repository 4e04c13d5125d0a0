// Package fs abstracts the file operations of the local blob store so tests
// can inject write, sync, close and rename failures.
//
// Production code uses [Default]:
//
//	f, err := fs.Default.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
//
// Tests wrap it with [FaultyFS]:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".mrun", fs.Fault{FailAfterBytes: 64})
package fs
