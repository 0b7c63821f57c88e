package raftengine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.etcd.io/raft/v3/raftpb"

	"sensorhub/internal/hashroute"
)

const (
	dialTimeout   = 500 * time.Millisecond
	writeTimeout  = 500 * time.Millisecond
	idleTimeout   = 30 * time.Second
	outboundDepth = 128
	maxFrameSize  = 16 << 20
)

var errFrameTooLarge = errors.New("raft frame exceeds limit")

type messageHandler func(partition uint8, msg raftpb.Message)

// tcpTransport keeps one outbound stream per peer and partition so that
// messages of a partition reach a peer in the order raft produced them.
type tcpTransport struct {
	nodeID   uint64
	handler  messageHandler
	listener net.Listener

	mu       sync.Mutex
	peers    map[uint64]string
	outbound map[uint64][]chan raftpb.Message
	inbound  map[net.Conn]struct{}
	closed   chan struct{}
}

func newTCPTransport(nodeID uint64, addr string, peers map[uint64]string, handler messageHandler) (*tcpTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	t := &tcpTransport{
		nodeID:   nodeID,
		handler:  handler,
		listener: ln,
		peers:    peers,
		outbound: make(map[uint64][]chan raftpb.Message),
		inbound:  make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	for peer := range peers {
		if peer == nodeID {
			continue
		}
		queues := make([]chan raftpb.Message, hashroute.PartitionCount)
		for p := range queues {
			queues[p] = make(chan raftpb.Message, outboundDepth)
			go t.sender(peer, uint8(p), queues[p])
		}
		t.outbound[peer] = queues
	}
	go t.acceptLoop()
	return t, nil
}

// send never blocks; raft retransmits anything dropped here.
func (t *tcpTransport) send(to uint64, partition uint8, msg raftpb.Message) error {
	t.mu.Lock()
	queues, ok := t.outbound[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %d", to)
	}
	if int(partition) >= len(queues) {
		return fmt.Errorf("invalid partition %d", partition)
	}
	select {
	case queues[partition] <- msg:
		return nil
	default:
		return fmt.Errorf("peer %d partition %d queue full", to, partition)
	}
}

func (t *tcpTransport) sender(peer uint64, partition uint8, ch <-chan raftpb.Message) {
	var (
		conn net.Conn
		w    *bufio.Writer
	)
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()
	for {
		select {
		case <-t.closed:
			return
		case msg := <-ch:
			if conn == nil {
				c, err := net.DialTimeout("tcp", t.peers[peer], dialTimeout)
				if err != nil {
					continue
				}
				conn, w = c, bufio.NewWriter(c)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := writeFrame(w, partition, msg)
			if err == nil {
				err = w.Flush()
			}
			if err != nil {
				_ = conn.Close()
				conn, w = nil, nil
			}
		}
	}
}

func (t *tcpTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			continue
		}
		t.mu.Lock()
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()
		go t.receive(conn)
	}
}

func (t *tcpTransport) receive(conn net.Conn) {
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		_ = conn.Close()
	}()
	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		partition, msg, err := readFrame(r)
		if err != nil {
			return
		}
		t.handler(partition, msg)
	}
}

func (t *tcpTransport) close() error {
	close(t.closed)
	err := t.listener.Close()
	t.mu.Lock()
	for c := range t.inbound {
		_ = c.Close()
	}
	t.mu.Unlock()
	return err
}

// A frame is a big-endian uint32 length, one partition byte and the
// marshalled raft message.
func writeFrame(w io.Writer, partition uint8, msg raftpb.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(b)+1))
	hdr[4] = partition
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readFrame(r io.Reader) (uint8, raftpb.Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, raftpb.Message{}, err
	}
	size := binary.BigEndian.Uint32(hdr[:4])
	if size < 1 {
		return 0, raftpb.Message{}, io.ErrUnexpectedEOF
	}
	if size > maxFrameSize {
		return 0, raftpb.Message{}, errFrameTooLarge
	}
	buf := make([]byte, size-1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, raftpb.Message{}, err
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(buf); err != nil {
		return 0, raftpb.Message{}, err
	}
	return hdr[4], msg, nil
}
