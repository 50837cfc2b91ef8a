/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmm

import (
	"errors"
	"fmt"
	"io"

	"libvirt.org/go/libvirt"
)

// OpenConsole attaches to the serial console of a running domain. Reads block
// until the guest writes; writes are typed into the console.
func (v *VMM) OpenConsole(name string) (io.ReadWriteCloser, error) {
	dom, err := v.getDomain(name)
	if err != nil {
		return nil, err
	}

	stream, err := v.conn.NewStream(0)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errCreateStream)
	}

	if err := dom.OpenConsole("", stream, libvirt.DOMAIN_CONSOLE_FORCE); err != nil {
		_ = stream.Free()
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errOpenConsole)
	}

	return &consoleStream{stream: stream}, nil
}

type consoleStream struct {
	stream *libvirt.Stream
}

func (c *consoleStream) Read(p []byte) (int, error) {
	n, err := c.stream.Recv(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *consoleStream) Write(p []byte) (int, error) {
	return c.stream.Send(p)
}

func (c *consoleStream) Close() error {
	err := c.stream.Abort()
	return errors.Join(err, c.stream.Free())
}
