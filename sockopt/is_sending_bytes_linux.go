//go:build linux

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

package sockopt

import (
	"net"

	"golang.org/x/sys/unix"
)

func isSocketFdSendingBytes(fd int) (bool, error) {
	tcpInfo, err := unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		return false, err
	}

	// 1 == TCP_ESTABLISHED, but for some reason not available in the package
	if tcpInfo.State != unix.BPF_TCP_ESTABLISHED {
		// If the connection is not established, the socket is not sending bytes
		return false, nil
	}

	return tcpInfo.Notsent_bytes != 0, nil
}

func isConnectionSendingBytesImplemented() bool {
	return true
}

func isConnectionSendingBytes(conn *net.TCPConn) (bool, error) {
	syscallConn, err := conn.SyscallConn()
	if err != nil {
		return false, err
	}
	var result bool
	var sockErr error
	if err := syscallConn.Control(func(fd uintptr) {
		result, sockErr = isSocketFdSendingBytes(int(fd))
	}); err != nil {
		return false, err
	}
	return result, sockErr
}
