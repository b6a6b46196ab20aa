// Package shell is the interactive CLI surface (spec §6): a line-oriented
// command loop over the connection manager, tokenized with
// kballard/go-shellquote so quoted paths and names survive intact.
package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/localmesh/node/internal/connmgr"
	"github.com/localmesh/node/internal/discovery"
	"github.com/localmesh/node/internal/events"
)

// Shell reads commands from in and writes results to out until `quit` or
// EOF.
type Shell struct {
	mgr *connmgr.Manager
	out io.Writer

	mu          sync.Mutex
	discoveries map[string]discovery.Discovered
}

// New wires a shell to mgr. If sub is non-nil it is polled in the
// background to keep the `discoveries` command's view current.
func New(mgr *connmgr.Manager, out io.Writer, sub *events.Subscription) *Shell {
	s := &Shell{mgr: mgr, out: out, discoveries: make(map[string]discovery.Discovered)}
	if sub != nil {
		go s.trackDiscoveries(sub)
	}
	return s
}

func (s *Shell) trackDiscoveries(sub *events.Subscription) {
	for {
		ev, err := sub.Poll(time.Second)
		if errors.Is(err, events.ErrClosed) {
			return
		}
		if errors.Is(err, events.ErrTimeout) {
			continue
		}
		if d, ok := ev.Data.(discovery.Discovered); ok {
			s.mu.Lock()
			s.discoveries[d.DeviceID] = d
			s.mu.Unlock()
		}
	}
}

// Run processes commands from in until `quit` or EOF.
func (s *Shell) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if s.dispatch(line) {
			return nil
		}
	}
	return scanner.Err()
}

// dispatch runs one command line and returns true if the shell should quit.
func (s *Shell) dispatch(line string) bool {
	args, err := shellquote.Split(line)
	if err != nil {
		fmt.Fprintln(s.out, "parse error:", err)
		return false
	}
	if len(args) == 0 {
		return false
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "quit":
		return true
	case "peers":
		s.cmdPeers()
	case "discoveries":
		s.cmdDiscoveries()
	case "connect":
		s.cmdConnect(rest)
	case "connect_discovered":
		s.cmdConnectDiscovered(rest)
	case "msg":
		s.cmdMsg(rest)
	case "history":
		s.cmdHistory(rest)
	case "groups":
		s.cmdGroups()
	case "group_create":
		s.cmdGroupCreate(rest)
	case "group_send":
		s.cmdGroupSend(rest)
	case "group_history":
		s.cmdGroupHistory(rest)
	case "sendfile":
		s.cmdSendFile(rest)
	default:
		fmt.Fprintln(s.out, "unknown command:", cmd)
	}
	return false
}

func (s *Shell) cmdPeers() {
	for _, p := range s.mgr.Peers() {
		fmt.Fprintf(s.out, "%s\t%s\t%s\t%s\n", p.DeviceID, p.DeviceName, p.Platform, p.RemoteAddr)
	}
}

func (s *Shell) cmdDiscoveries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.discoveries {
		fmt.Fprintf(s.out, "%s\t%s\t%s:%d\n", d.DeviceID, d.Name, d.IP, d.TCPPort)
	}
}

func (s *Shell) cmdConnect(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "usage: connect <ip> <port>")
		return
	}
	var port int
	if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
		fmt.Fprintln(s.out, "bad port:", args[1])
		return
	}
	if err := s.mgr.Connect(args[0], port); err != nil {
		fmt.Fprintln(s.out, "error:", err)
	}
}

func (s *Shell) cmdConnectDiscovered(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: connect_discovered <device_id>")
		return
	}
	s.mu.Lock()
	d, ok := s.discoveries[args[0]]
	s.mu.Unlock()
	if !ok {
		fmt.Fprintln(s.out, "unknown discovered device:", args[0])
		return
	}
	if err := s.mgr.Connect(d.IP, d.TCPPort); err != nil {
		fmt.Fprintln(s.out, "error:", err)
	}
}

func (s *Shell) cmdMsg(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "usage: msg <peer_id> <text>")
		return
	}
	if err := s.mgr.SendDirect(args[0], strings.Join(args[1:], " ")); err != nil {
		fmt.Fprintln(s.out, "error:", err)
	}
}

func (s *Shell) cmdHistory(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: history <peer_id>")
		return
	}
	recs, err := s.mgr.History(args[0])
	if err != nil {
		fmt.Fprintln(s.out, "error:", err)
		return
	}
	for _, env := range recs {
		var p struct {
			Text string `json:"text"`
		}
		env.DecodePayload(&p)
		fmt.Fprintf(s.out, "[%d] %s: %s\n", env.Timestamp, env.DeviceID, p.Text)
	}
}

func (s *Shell) cmdGroups() {
	for _, g := range s.mgr.Groups() {
		fmt.Fprintf(s.out, "%s\t%s\tmaster=%s\tepoch=%d\n", g.GroupID, g.Name, g.MasterID, g.Epoch)
	}
}

func (s *Shell) cmdGroupCreate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "usage: group_create <name> <peer_id,...>")
		return
	}
	var members []string
	if len(args) > 1 {
		members = strings.Split(args[1], ",")
	}
	rec, err := s.mgr.CreateGroup(args[0], members)
	if err != nil {
		fmt.Fprintln(s.out, "error:", err)
		return
	}
	fmt.Fprintln(s.out, "created group", rec.GroupID)
}

func (s *Shell) cmdGroupSend(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "usage: group_send <group_id> <text>")
		return
	}
	if err := s.mgr.SendGroup(args[0], strings.Join(args[1:], " ")); err != nil {
		fmt.Fprintln(s.out, "error:", err)
	}
}

func (s *Shell) cmdGroupHistory(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(s.out, "usage: group_history <group_id>")
		return
	}
	recs, err := s.mgr.GroupHistory(args[0])
	if err != nil {
		fmt.Fprintln(s.out, "error:", err)
		return
	}
	for _, env := range recs {
		var p struct {
			FromID string `json:"from_id"`
			Text   string `json:"text"`
		}
		env.DecodePayload(&p)
		fmt.Fprintf(s.out, "[%d] %s: %s\n", env.Timestamp, p.FromID, p.Text)
	}
}

func (s *Shell) cmdSendFile(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(s.out, "usage: sendfile <peer_id> <path>")
		return
	}
	if err := s.mgr.SendFile(args[0], args[1]); err != nil {
		fmt.Fprintln(s.out, "error:", err)
	}
}
