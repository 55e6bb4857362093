package backend

// UploadDataProvider supplies a request body on demand. The engine calls
// Length once, then Read repeatedly until a read reports final, and Rewind
// when a redirect requires the body to be sent again. Each call answers
// through exactly one sink method.
type UploadDataProvider interface {
	Length() int64
	Read(sink UploadDataSink, buf *Buffer)
	Rewind(sink UploadDataSink)
	Close()
}

// UploadDataSink receives provider results.
type UploadDataSink interface {
	OnReadSucceeded(bytesRead int, final bool)
	OnReadError(err error)
	OnRewindSucceeded()
	OnRewindError(err error)
}
