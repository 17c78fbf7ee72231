// Copyright 2024 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	StreamConn
}

func TestFuncStreamDialer(t *testing.T) {
	expectedConn := &fakeConn{}
	expectedErr := errors.New("fake error")
	dialer := FuncStreamDialer(func(ctx context.Context, addr string) (StreamConn, error) {
		require.Equal(t, "unused", addr)
		return expectedConn, expectedErr
	})
	conn, err := dialer.DialStream(context.Background(), "unused")
	require.Equal(t, expectedConn, conn)
	require.Equal(t, expectedErr, err)
}

func TestTCPDialerIPv4(t *testing.T) {
	requestText := []byte("Request")
	responseText := []byte("Response")

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err, "Failed to create TCP listener: %v", err)
	defer listener.Close()

	var running sync.WaitGroup
	running.Add(1)

	// Server
	go func() {
		defer running.Done()
		clientConn, err := listener.AcceptTCP()
		if !assert.NoError(t, err, "AcceptTCP failed: %v", err) {
			return
		}
		defer clientConn.Close()
		err = iotest.TestReader(clientConn, requestText)
		assert.NoError(t, err, "Request read failed: %v", err)

		_, err = clientConn.Write(responseText)
		assert.NoError(t, err, "Failed to write response: %v", err)
	}()

	dialer := &TCPDialer{}
	conn, err := dialer.DialStream(context.Background(), listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, isTCP := conn.(*net.TCPConn)
	require.True(t, isTCP)

	_, err = conn.Write(requestText)
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	require.NoError(t, iotest.TestReader(conn, responseText))
	running.Wait()
}

func TestTCPDialerRefused(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	_, err = (&TCPDialer{}).DialStream(context.Background(), addr)
	require.Error(t, err)
}
