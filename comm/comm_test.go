package comm_test

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/isim/comm"
)

// lineServer answers every \n terminated line with reply(line)+"\n"
func lineServer(t *testing.T, reply func(string) string) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				rdr := bufio.NewReader(c)
				for {
					line, err := rdr.ReadString('\n')
					if err != nil {
						return
					}
					c.Write([]byte(reply(strings.TrimSuffix(line, "\n")) + "\n"))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestOpenSendRecvClose(t *testing.T) {
	addr := lineServer(t, func(s string) string { return "echo " + s })
	terms := comm.Terminators{Rx: '\n', Tx: '\n'}
	rd := comm.NewRemoteDevice(addr, false, &terms, nil)
	resp, err := rd.OpenSendRecvClose([]byte("POS? 1"))
	require.NoError(t, err)
	assert.Equal(t, "echo POS? 1", string(resp))
	assert.Nil(t, rd.Conn)
}

func TestSendWithoutConnection(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false, nil, nil)
	assert.Equal(t, comm.ErrNotConnected, rd.Send([]byte("x")))
	_, err := rd.Recv()
	assert.Equal(t, comm.ErrNotConnected, err)
	assert.NoError(t, rd.Close())
}

func TestSerialWithoutConfig(t *testing.T) {
	rd := comm.NewRemoteDevice("/dev/null", true, nil, nil)
	err := rd.Open()
	assert.ErrorIs(t, err, comm.ErrNoSerialConf)
}
