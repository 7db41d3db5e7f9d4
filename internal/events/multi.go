package events

// MultiEmitter fans Emit out to every wrapped Emitter, in order. Close
// closes each of them and returns the first error encountered, continuing
// to close the rest so one failing sink never leaks the others.
type MultiEmitter []Emitter

// Emit forwards to every wrapped emitter.
func (m MultiEmitter) Emit(eventType EventType, data interface{}) {
	for _, e := range m {
		e.Emit(eventType, data)
	}
}

// Close closes every wrapped emitter, returning the first error seen.
func (m MultiEmitter) Close() error {
	var firstErr error
	for _, e := range m {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
