//go:build !dlib

package engine

import "errors"

func newDlib(string) (Engine, error) {
	return nil, errors.New("dlib engine not compiled in (rebuild with -tags dlib)")
}
