// Copyright 2016 CodisLabs. All Rights Reserved.
// Licensed under the MIT (MIT-LICENSE.txt) license.

package fsclient

import (
	"testing"

	"github.com/pikaproxy/pika-proxy/pkg/utils/assert"
	"github.com/pikaproxy/pika-proxy/pkg/utils/errors"
)

func TestFsClient(x *testing.T) {
	c, err := New(x.TempDir())
	assert.MustNoError(err)

	assert.MustNoError(c.Create("/a/b", []byte("1")))
	assert.Must(c.Create("/a/b", []byte("2")) != nil)
	assert.MustNoError(c.Update("/a/c", []byte("3")))

	b, err := c.Read("/a/b", true)
	assert.MustNoError(err)
	assert.Must(string(b) == "1")

	b, err = c.Read("/a/x", false)
	assert.MustNoError(err)
	assert.Must(b == nil)
	_, err = c.Read("/a/x", true)
	assert.Must(err != nil)

	paths, err := c.List("/a", true)
	assert.MustNoError(err)
	assert.Must(len(paths) == 2 && paths[0] == "/a/b" && paths[1] == "/a/c")

	assert.MustNoError(c.Delete("/a/b"))
	paths, err = c.List("/a", true)
	assert.MustNoError(err)
	assert.Must(len(paths) == 1)

	_, err = c.Watch("/a")
	assert.Must(errors.Equal(err, ErrNotSupported))

	assert.MustNoError(c.Close())
	_, err = c.Read("/a/c", false)
	assert.Must(errors.Equal(err, ErrClosedClient))
}
