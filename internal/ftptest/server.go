// Package ftptest provides an in-process FTP server for tests. It serves an
// in-memory tree over real TCP sockets, in passive or active mode.
package ftptest

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// ModTime is the modification time reported for every entry.
var ModTime = time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)

// Server is a scripted FTP server.
type Server struct {
	ln     net.Listener
	logger *slog.Logger

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	user     string
	password string
	blocks   map[string]chan struct{}
	commands []string
	mlsd     bool
	conns    map[net.Conn]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a server on a loopback port. It is closed when the test ends.
// Any user name and password are accepted until SetCredentials is called.
func New(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ftptest: listen: %v", err)
	}

	s := &Server{
		ln:     ln,
		logger: slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug})),
		files:  make(map[string][]byte),
		dirs:   map[string]bool{"/": true},
		blocks: make(map[string]chan struct{}),
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the control address, "127.0.0.1:port".
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// SetCredentials restricts logins to user and password.
func (s *Server) SetCredentials(user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user, s.password = user, password
}

// AddFile stores data at name, creating the parent directories.
func (s *Server) AddFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = path.Clean("/" + name)
	s.files[name] = slices.Clone(data)
	for dir := path.Dir(name); !s.dirs[dir]; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
}

// AddDir creates a directory and its parents.
func (s *Server) AddDir(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for dir := path.Clean("/" + name); !s.dirs[dir]; dir = path.Dir(dir) {
		s.dirs[dir] = true
	}
}

// EnableMLSD advertises MLST in FEAT and answers MLSD.
func (s *Server) EnableMLSD() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mlsd = true
}

// File returns the content stored at name.
func (s *Server) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.files[path.Clean("/"+name)]
	return slices.Clone(data), ok
}

// Commands returns the command verbs received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// Block makes the server stall when it next receives verb, before replying,
// until release is called or the server is closed.
func (s *Server) Block(verb string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.blocks[strings.ToUpper(verb)] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.ln.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(s, conn).serve()

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// wait stalls on a pending Block for verb.
func (s *Server) wait(verb string) {
	s.mu.Lock()
	ch, ok := s.blocks[verb]
	delete(s.blocks, verb)
	s.commands = append(s.commands, verb)
	s.mu.Unlock()

	if !ok {
		return
	}
	select {
	case <-ch:
	case <-s.done:
	}
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// session is one control connection.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader

	user     string
	loggedIn bool
	cwd      string
	restart  int64
	pasv     net.Listener

	// active is the address announced by PORT or EPRT
	active string
}

// commandHandlers maps FTP commands to their handler functions.
var commandHandlers = map[string]func(*session, string) bool{
	"USER": (*session).handleUSER,
	"PASS": (*session).handlePASS,
	"SYST": (*session).handleSYST,
	"NOOP": (*session).handleNOOP,
	"QUIT": (*session).handleQUIT,
	"PWD":  (*session).handlePWD,
	"CWD":  (*session).handleCWD,
	"TYPE": (*session).handleTYPE,
	"EPSV": (*session).handleEPSV,
	"PASV": (*session).handlePASV,
	"PORT": (*session).handlePORT,
	"EPRT": (*session).handleEPRT,
	"FEAT": (*session).handleFEAT,
	"MLSD": (*session).handleMLSD,
	"REST": (*session).handleREST,
	"SIZE": (*session).handleSIZE,
	"LIST": (*session).handleLIST,
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"APPE": (*session).handleAPPE,
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server: server,
		conn:   conn,
		reader: bufio.NewReader(conn),
		cwd:    "/",
	}
}

func (s *session) serve() {
	defer s.close()

	s.reply(220, "ftptest ready.")
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		if verb == "PASS" {
			s.server.logger.Debug("ftptest command", "cmd", "PASS ***")
		} else {
			s.server.logger.Debug("ftptest command", "cmd", line)
		}
		s.server.wait(verb)

		handler, ok := commandHandlers[verb]
		if !ok {
			s.reply(500, "Unknown command.")
			continue
		}
		if !s.loggedIn && verb != "USER" && verb != "PASS" && verb != "QUIT" {
			s.reply(530, "Please login with USER and PASS.")
			continue
		}
		if !handler(s, arg) {
			return
		}
	}
}

func (s *session) close() {
	if s.pasv != nil {
		s.pasv.Close()
	}
	s.conn.Close()
}

func (s *session) reply(code int, message string) {
	fmt.Fprintf(s.conn, "%d %s\r\n", code, message)
}

func (s *session) resolve(name string) string {
	if strings.HasPrefix(name, "/") {
		return path.Clean(name)
	}
	return path.Join(s.cwd, name)
}

func (s *session) handleUSER(arg string) bool {
	s.user = arg
	s.loggedIn = false
	s.reply(331, "Please specify the password.")
	return true
}

func (s *session) handlePASS(arg string) bool {
	s.server.mu.Lock()
	user, password := s.server.user, s.server.password
	s.server.mu.Unlock()

	if user != "" && (s.user != user || arg != password) {
		s.reply(530, "Login incorrect.")
		return true
	}
	s.loggedIn = true
	s.reply(230, "Login successful.")
	return true
}

func (s *session) handleSYST(string) bool {
	s.reply(215, "UNIX Type: L8")
	return true
}

func (s *session) handleNOOP(string) bool {
	s.reply(200, "NOOP ok.")
	return true
}

func (s *session) handleQUIT(string) bool {
	s.reply(221, "Goodbye.")
	return false
}

func (s *session) handlePWD(string) bool {
	s.reply(257, fmt.Sprintf("%q is the current directory", s.cwd))
	return true
}

func (s *session) handleCWD(arg string) bool {
	dir := s.resolve(arg)

	s.server.mu.Lock()
	ok := s.server.dirs[dir]
	s.server.mu.Unlock()

	if !ok {
		s.reply(550, "Failed to change directory.")
		return true
	}
	s.cwd = dir
	s.reply(250, "Directory successfully changed.")
	return true
}

func (s *session) handleTYPE(arg string) bool {
	switch strings.ToUpper(arg) {
	case "A", "I":
		s.reply(200, "Switching to "+arg+" mode.")
	default:
		s.reply(504, "Unrecognised TYPE command.")
	}
	return true
}

func (s *session) listen() (int, bool) {
	s.active = ""
	if s.pasv != nil {
		s.pasv.Close()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return 0, false
	}
	s.pasv = ln
	return ln.Addr().(*net.TCPAddr).Port, true
}

func (s *session) handleEPSV(string) bool {
	if port, ok := s.listen(); ok {
		s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
	}
	return true
}

func (s *session) handlePASV(string) bool {
	if port, ok := s.listen(); ok {
		s.reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256))
	}
	return true
}

func (s *session) setActive(addr string) {
	if s.pasv != nil {
		s.pasv.Close()
		s.pasv = nil
	}
	s.active = addr
}

func (s *session) handlePORT(arg string) bool {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Illegal PORT command.")
		return true
	}

	var n [6]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 255 {
			s.reply(501, "Illegal PORT command.")
			return true
		}
		n[i] = v
	}

	host := fmt.Sprintf("%d.%d.%d.%d", n[0], n[1], n[2], n[3])
	s.setActive(net.JoinHostPort(host, strconv.Itoa(n[4]*256+n[5])))
	s.reply(200, "PORT command successful.")
	return true
}

func (s *session) handleEPRT(arg string) bool {
	// |proto|addr|port|
	if len(arg) < 2 {
		s.reply(501, "Illegal EPRT command.")
		return true
	}
	fields := strings.Split(arg[1:len(arg)-1], arg[:1])
	if len(fields) != 3 || net.ParseIP(fields[1]) == nil {
		s.reply(501, "Illegal EPRT command.")
		return true
	}
	if _, err := strconv.Atoi(fields[2]); err != nil {
		s.reply(501, "Illegal EPRT command.")
		return true
	}

	s.setActive(net.JoinHostPort(fields[1], fields[2]))
	s.reply(200, "EPRT command successful.")
	return true
}

func (s *session) handleFEAT(string) bool {
	s.server.mu.Lock()
	mlsd := s.server.mlsd
	s.server.mu.Unlock()

	lines := []string{"EPSV", "PASV", "EPRT", "SIZE", "REST STREAM"}
	if mlsd {
		lines = append(lines, "MLST type*;size*;modify*;perm*;")
	}

	var b strings.Builder
	b.WriteString("211-Features:\r\n")
	for _, l := range lines {
		b.WriteString(" " + l + "\r\n")
	}
	b.WriteString("211 End\r\n")
	fmt.Fprint(s.conn, b.String())
	return true
}

func (s *session) handleREST(arg string) bool {
	offset, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid REST offset.")
		return true
	}
	s.restart = offset
	s.reply(350, fmt.Sprintf("Restart position accepted (%d).", offset))
	return true
}

func (s *session) handleSIZE(arg string) bool {
	data, ok := s.server.File(s.resolve(arg))
	if !ok {
		s.reply(550, "Could not get file size.")
		return true
	}
	s.reply(213, strconv.Itoa(len(data)))
	return true
}

// dataConn accepts the passive connection announced by EPSV or PASV, or
// dials the address announced by PORT or EPRT.
func (s *session) dataConn() (net.Conn, bool) {
	if s.active != "" {
		addr := s.active
		s.active = ""
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			s.reply(425, "Can't open data connection.")
			return nil, false
		}
		return conn, true
	}

	if s.pasv == nil {
		s.reply(425, "Use PASV or EPSV first.")
		return nil, false
	}
	ln := s.pasv
	s.pasv = nil
	defer ln.Close()

	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := ln.Accept()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return nil, false
	}
	return conn, true
}

func (s *session) handleLIST(arg string) bool {
	// Options such as "-a" are ignored
	if strings.HasPrefix(arg, "-") {
		arg = ""
	}
	dir := s.resolve(arg)

	s.server.mu.Lock()
	exists := s.server.dirs[dir]
	var lines []string
	for name := range s.server.dirs {
		if name != "/" && path.Dir(name) == dir {
			lines = append(lines, fmt.Sprintf("drwxr-xr-x 2 owner group 4096 %s %s",
				ModTime.Format("Jan _2  2006"), path.Base(name)))
		}
	}
	for name, data := range s.server.files {
		if path.Dir(name) == dir {
			lines = append(lines, fmt.Sprintf("-rw-r--r-- 1 owner group %d %s %s",
				len(data), ModTime.Format("Jan _2  2006"), path.Base(name)))
		}
	}
	s.server.mu.Unlock()

	if !exists {
		s.reply(550, "Directory not found.")
		return true
	}
	slices.SortFunc(lines, func(a, b string) int {
		return strings.Compare(lastField(a), lastField(b))
	})

	conn, ok := s.dataConn()
	if !ok {
		return true
	}
	s.reply(150, "Here comes the directory listing.")
	for _, line := range lines {
		fmt.Fprintf(conn, "%s\r\n", line)
	}
	conn.Close()
	s.reply(226, "Directory send OK.")
	return true
}

func (s *session) handleMLSD(arg string) bool {
	s.server.mu.Lock()
	enabled := s.server.mlsd
	s.server.mu.Unlock()
	if !enabled {
		s.reply(500, "Unknown command.")
		return true
	}

	dir := s.resolve(arg)
	modify := ModTime.Format("20060102150405")

	s.server.mu.Lock()
	exists := s.server.dirs[dir]
	lines := []string{"type=cdir;modify=" + modify + ";perm=el; ."}
	for name := range s.server.dirs {
		if name != "/" && path.Dir(name) == dir {
			lines = append(lines, fmt.Sprintf("type=dir;modify=%s;perm=el;unix.mode=0755; %s", modify, path.Base(name)))
		}
	}
	for name, data := range s.server.files {
		if path.Dir(name) == dir {
			lines = append(lines, fmt.Sprintf("type=file;size=%d;modify=%s;perm=r;unix.mode=0644; %s", len(data), modify, path.Base(name)))
		}
	}
	s.server.mu.Unlock()

	if !exists {
		s.reply(550, "Directory not found.")
		return true
	}
	slices.SortFunc(lines, func(a, b string) int {
		return strings.Compare(lastField(a), lastField(b))
	})

	conn, ok := s.dataConn()
	if !ok {
		return true
	}
	s.reply(150, "Here comes the directory listing.")
	for _, line := range lines {
		fmt.Fprintf(conn, "%s\r\n", line)
	}
	conn.Close()
	s.reply(226, "Directory send OK.")
	return true
}

func lastField(line string) string {
	fields := strings.Fields(line)
	return fields[len(fields)-1]
}

func (s *session) handleRETR(arg string) bool {
	data, ok := s.server.File(s.resolve(arg))
	offset := s.restart
	s.restart = 0
	if !ok {
		s.reply(550, "File not found.")
		return true
	}
	if offset > int64(len(data)) {
		s.reply(554, "Restart offset beyond end of file.")
		return true
	}

	conn, ok := s.dataConn()
	if !ok {
		return true
	}
	s.reply(150, "Opening BINARY mode data connection.")
	_, err := conn.Write(data[offset:])
	conn.Close()
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return true
	}
	s.reply(226, "Transfer complete.")
	return true
}

func (s *session) handleSTOR(arg string) bool {
	return s.store(arg, false)
}

func (s *session) handleAPPE(arg string) bool {
	return s.store(arg, true)
}

func (s *session) store(arg string, appendData bool) bool {
	name := s.resolve(arg)
	s.restart = 0

	s.server.mu.Lock()
	parent := s.server.dirs[path.Dir(name)]
	s.server.mu.Unlock()
	if !parent {
		s.reply(553, "Could not create file.")
		return true
	}

	conn, ok := s.dataConn()
	if !ok {
		return true
	}
	s.reply(150, "Ok to send data.")
	data, err := io.ReadAll(conn)
	conn.Close()
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return true
	}

	s.server.mu.Lock()
	if appendData {
		s.server.files[name] = append(s.server.files[name], data...)
	} else {
		s.server.files[name] = data
	}
	s.server.mu.Unlock()

	s.reply(226, "Transfer complete.")
	return true
}
