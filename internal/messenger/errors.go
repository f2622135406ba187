package messenger

import "fmt"

// FetchError is returned when neither the server nor the cache could serve
// a page.
type FetchError struct {
	Remote error
	Cache  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v (cache unavailable: %v)", e.Remote, e.Cache)
}

// Unwrap exposes both causes to errors.Is and errors.As.
func (e *FetchError) Unwrap() []error {
	return []error{e.Remote, e.Cache}
}
