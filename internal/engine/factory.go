package engine

import (
	"fmt"
	"time"

	"github.com/andresmejia3/facewatch/internal/worker"
)

// Kinds of engine backends.
const (
	KindWorker = "worker"
	KindHTTP   = "http"
	KindDlib   = "dlib"
)

// Options selects and configures a backend.
type Options struct {
	Kind      string
	Command   []string      // worker
	Timeout   time.Duration // worker round trip / http request
	URL       string        // http
	ModelsDir string        // dlib
}

// Open starts one engine instance. Call it once per pool slot.
func Open(opts Options, id int) (Engine, error) {
	switch opts.Kind {
	case "", KindWorker:
		return worker.NewPythonWorker(id, worker.Config{Command: opts.Command, ReadTimeout: opts.Timeout})
	case KindHTTP:
		return NewHTTP(opts.URL, opts.Timeout), nil
	case KindDlib:
		return newDlib(opts.ModelsDir)
	default:
		return nil, fmt.Errorf("unknown engine kind %q (want %s, %s or %s)", opts.Kind, KindWorker, KindHTTP, KindDlib)
	}
}

// OpenPool starts n engines, closing the ones already started if any fails.
func OpenPool(opts Options, n int) ([]Engine, error) {
	if n < 1 {
		n = 1
	}
	engines := make([]Engine, 0, n)
	for i := 0; i < n; i++ {
		e, err := Open(opts, i)
		if err != nil {
			ClosePool(engines)
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}

// ClosePool closes every engine and returns the first error.
func ClosePool(engines []Engine) error {
	var first error
	for _, e := range engines {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
