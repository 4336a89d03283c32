package session

import "sync"

// Navigator moves the client to another route.
type Navigator interface {
	Navigate(path string)
}

// RecordingNavigator remembers navigations; the gateway turns the last one into a redirect.
type RecordingNavigator struct {
	mutex sync.Mutex
	paths []string
}

// Navigate records path.
func (navigator *RecordingNavigator) Navigate(path string) {
	navigator.mutex.Lock()
	defer navigator.mutex.Unlock()
	navigator.paths = append(navigator.paths, path)
}

// Last returns the most recent navigation.
func (navigator *RecordingNavigator) Last() (string, bool) {
	navigator.mutex.Lock()
	defer navigator.mutex.Unlock()
	if len(navigator.paths) == 0 {
		return "", false
	}
	return navigator.paths[len(navigator.paths)-1], true
}

// Paths returns every navigation in order.
func (navigator *RecordingNavigator) Paths() []string {
	navigator.mutex.Lock()
	defer navigator.mutex.Unlock()
	return append([]string(nil), navigator.paths...)
}
