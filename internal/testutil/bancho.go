package testutil

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// Privmsg is one PRIVMSG received by the fake server.
type Privmsg struct {
	Target string
	Text   string
}

// Reply is a line the fake server sends back as BanchoBot.
type Reply struct {
	Target string
	Text   string
}

// FakeBancho is an in-process IRC server speaking the subset of the Bancho
// dialect the bot relies on: registration, PING/PONG, JOIN, PART and PRIVMSG.
type FakeBancho struct {
	t        *testing.T
	listener net.Listener
	password string
	wg       sync.WaitGroup
	quit     chan struct{}

	mu       sync.Mutex
	clients  map[net.Conn]string
	logins   int
	lines    []string
	received []Privmsg
	refused  map[string]string
	onMsg    func(target, text string) []Reply
}

// NewFakeBancho starts a fake server on a loopback port that accepts the
// given password.
//
// Postcondition: The server is accepting connections and is stopped on test cleanup.
func NewFakeBancho(t *testing.T, password string) *FakeBancho {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	s := &FakeBancho{
		t:        t,
		listener: ln,
		password: password,
		quit:     make(chan struct{}),
		clients:  make(map[net.Conn]string),
		refused:  make(map[string]string),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Stop)
	return s
}

// Host returns the listening host.
func (s *FakeBancho) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *FakeBancho) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Refuse makes subsequent joins of channel fail with numeric 403.
func (s *FakeBancho) Refuse(channel, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refused[strings.ToLower(channel)] = reason
}

// OnPrivmsg installs fn to produce BanchoBot replies for each PRIVMSG.
func (s *FakeBancho) OnPrivmsg(fn func(target, text string) []Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMsg = fn
}

// Received returns a copy of every PRIVMSG received so far.
func (s *FakeBancho) Received() []Privmsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Privmsg(nil), s.received...)
}

// Lines returns every raw line received from clients, in order.
func (s *FakeBancho) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Logins returns the number of successful registrations.
func (s *FakeBancho) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Say sends a PRIVMSG from sender to target on every registered connection.
func (s *FakeBancho) Say(sender, target, text string) {
	s.broadcast(fmt.Sprintf(":%s!cho@ppy.sh PRIVMSG %s :%s", sender, target, text))
}

// Send writes a raw line to every registered connection.
func (s *FakeBancho) Send(line string) {
	s.broadcast(line)
}

// DropClients closes every open connection without a QUIT.
func (s *FakeBancho) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		_ = c.Close()
		delete(s.clients, c)
	}
}

// Stop closes the listener and all connections and waits for handlers to exit.
func (s *FakeBancho) Stop() {
	select {
	case <-s.quit:
		return
	default:
		close(s.quit)
	}
	_ = s.listener.Close()
	s.DropClients()
	s.wg.Wait()
}

func (s *FakeBancho) broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c, nick := range s.clients {
		if nick == "" {
			continue
		}
		writeLine(c, line)
	}
}

func (s *FakeBancho) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				continue
			}
		}
		s.mu.Lock()
		s.clients[conn] = ""
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *FakeBancho) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	var pass, nick string
	registered := false
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line := strings.TrimRight(raw, "\r\n")
		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()
		cmd, rest, _ := strings.Cut(line, " ")

		switch strings.ToUpper(cmd) {
		case "PASS":
			pass = rest
		case "NICK":
			nick = rest
		case "USER":
			if pass != s.password {
				writeLine(conn, fmt.Sprintf(":cho.ppy.sh 464 %s :Bad authentication token.", nick))
				return
			}
			registered = true
			s.mu.Lock()
			s.clients[conn] = nick
			s.logins++
			s.mu.Unlock()
			writeLine(conn, fmt.Sprintf(":cho.ppy.sh 001 %s :Welcome to the osu!Bancho.", nick))
		case "PING":
			writeLine(conn, "PONG "+rest)
		case "QUIT":
			return
		case "JOIN":
			if !registered {
				continue
			}
			s.mu.Lock()
			reason, refused := s.refused[strings.ToLower(rest)]
			s.mu.Unlock()
			if refused {
				writeLine(conn, fmt.Sprintf(":cho.ppy.sh 403 %s %s :%s", nick, rest, reason))
				continue
			}
			writeLine(conn, fmt.Sprintf(":%s!cho@ppy.sh JOIN :%s", nick, rest))
		case "PART":
			if registered {
				writeLine(conn, fmt.Sprintf(":%s!cho@ppy.sh PART :%s", nick, rest))
			}
		case "PRIVMSG":
			if !registered {
				continue
			}
			target, text, _ := strings.Cut(rest, " ")
			text = strings.TrimPrefix(text, ":")
			s.mu.Lock()
			s.received = append(s.received, Privmsg{Target: target, Text: text})
			fn := s.onMsg
			s.mu.Unlock()
			if fn == nil {
				continue
			}
			for _, r := range fn(target, text) {
				writeLine(conn, fmt.Sprintf(":BanchoBot!cho@ppy.sh PRIVMSG %s :%s", r.Target, r.Text))
			}
		}
	}
}

func writeLine(conn net.Conn, line string) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = fmt.Fprintf(conn, "%s\r\n", line)
}
