/*Package comm provides an embeddable type for line-oriented communication with
lab hardware over TCP or a serial port.

Most usages of this package will boil down to:
	1.  embed *RemoteDevice in a type that represents your hardware.
	2.  pass the right Terminators to NewRemoteDevice, the default is \r both ways
	3.  write methods that call OpenSendRecvClose, or Lock, Send, Recv, Unlock
		for multi-step exchanges

A minimal example for a controller that answers "POS? 1" with "1=+0012.5":

	type Piezo struct {
		*comm.RemoteDevice
	}

	func (p *Piezo) Pos() (string, error) {
		resp, err := p.OpenSendRecvClose([]byte("POS? 1"))
		return string(resp), err
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when a serial device has no serial.Config
	ErrNoSerialConf = errors.New("device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators are the bytes that end a transmission and a reception
type Terminators struct {
	Rx byte
	Tx byte
}

// DefaultTerminators are carriage returns both ways
var DefaultTerminators = Terminators{Rx: '\r', Tx: '\r'}

/*RemoteDevice has an address and can open a connection to it, send a line
and read a line back.

The embedded mutex serializes access to the connection; OpenSendRecvClose
takes it for the caller.
*/
type RemoteDevice struct {
	sync.Mutex

	Addr     string
	IsSerial bool
	Conn     io.ReadWriteCloser

	// Timeout is applied to TCP dial, read and write
	Timeout time.Duration

	terms      Terminators
	serialConf *serial.Config
	rdr        *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance.  terms may be nil to use
// DefaultTerminators; serialConf is required when serial is true.
func NewRemoteDevice(addr string, serial bool, terms *Terminators, serialConf *serial.Config) RemoteDevice {
	t := DefaultTerminators
	if terms != nil {
		t = *terms
	}
	return RemoteDevice{
		Addr:       addr,
		IsSerial:   serial,
		Timeout:    3 * time.Second,
		terms:      t,
		serialConf: serialConf}
}

// Open the connection, setting the Conn variable.  Connection attempts are
// retried with exponential backoff, except when actively refused.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	op := func() error {
		err := rd.open()
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var err error
	var conn io.ReadWriteCloser
	if rd.IsSerial {
		if rd.serialConf == nil {
			return backoff.Permanent(ErrNoSerialConf)
		}
		conn, err = serial.OpenPort(rd.serialConf)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.rdr = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.rdr = nil
	return err
}

// Send writes data to the remote, followed by the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	if conn, ok := rd.Conn.(net.Conn); ok {
		conn.SetWriteDeadline(time.Now().Add(rd.Timeout))
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(append(buf, b...), rd.terms.Tx)
	_, err := rd.Conn.Write(buf)
	return err
}

// Recv reads from the remote up to the Rx terminator, which is stripped
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	if conn, ok := rd.Conn.(net.Conn); ok {
		conn.SetReadDeadline(time.Now().Add(rd.Timeout))
	}
	buf, err := rd.rdr.ReadBytes(rd.terms.Rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return bytes.TrimRight(buf[:len(buf)-1], "\r\n"), nil
}

// SendRecv sends a buffer then returns the response
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if err := rd.Send(b); err != nil {
		return nil, err
	}
	return rd.Recv()
}

// OpenSendRecvClose locks the device, opens the connection, sends b, reads a
// response and closes the connection
func (rd *RemoteDevice) OpenSendRecvClose(b []byte) ([]byte, error) {
	rd.Lock()
	defer rd.Unlock()
	if err := rd.Open(); err != nil {
		return nil, err
	}
	defer rd.Close()
	return rd.SendRecv(b)
}

// OpenSendClose is OpenSendRecvClose for commands that produce no response
func (rd *RemoteDevice) OpenSendClose(b []byte) error {
	rd.Lock()
	defer rd.Unlock()
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	return rd.Send(b)
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}
