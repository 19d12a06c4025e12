package shell

import (
	"strconv"
	"strings"

	"github.com/IceWhaleTech/vfshell"
)

// SyntaxError is returned by Parse for malformed input. It matches
// vfshell.ErrSyntax with errors.Is.
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string { return e.Msg }

func (e *SyntaxError) Unwrap() error { return vfshell.ErrSyntax }

func unexpectedToken(tok string) error {
	return &SyntaxError{Msg: "syntax error near unexpected token `" + tok + "'"}
}

func unterminated(quote byte) error {
	return &SyntaxError{Msg: "unexpected EOF while looking for matching `" + string(quote) + "'"}
}

type partKind uint8

const (
	partBare    partKind = iota // unquoted: variables, tilde and globs expand
	partDouble                  // double quoted: variables expand
	partLiteral                 // single quoted or backslash escaped
)

type wordPart struct {
	kind partKind
	text string
}

// Word is one word of input as typed, before expansion.
type Word []wordPart

// Raw returns the word with quoting removed and nothing expanded.
func (w Word) Raw() string {
	var sb strings.Builder
	for _, p := range w {
		sb.WriteString(p.text)
	}
	return sb.String()
}

type redirMode uint8

const (
	redirIn redirMode = iota
	redirOut
	redirAppend
	redirErrToOut // 2>&1
)

type redirection struct {
	fd     int
	mode   redirMode
	target Word
}

type stage struct {
	words  []Word
	redirs []redirection
}

// ListOp joins a statement to the one before it.
type ListOp uint8

const (
	OpSeq ListOp = iota // ;
	OpAnd               // &&
	OpOr                // ||
)

// Statement is one pipeline of a command list.
type Statement struct {
	Op     ListOp
	stages []stage
}

// Stages returns the number of pipeline stages.
func (s Statement) Stages() int { return len(s.stages) }

// Script is a parsed input line: pipelines joined by ;, && and ||.
type Script struct {
	Statements []Statement
}

type tokenKind uint8

const (
	tokWord tokenKind = iota
	tokPipe
	tokAndIf
	tokOrIf
	tokSemi
	tokRedir
)

type token struct {
	kind  tokenKind
	text  string
	word  Word
	redir redirection
}

func isBlank(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isOperator(c byte) bool {
	return strings.IndexByte("|&;<>", c) >= 0
}

func lex(line string) ([]token, error) {
	var toks []token
	i, n := 0, len(line)
	for i < n {
		c := line[i]
		switch {
		case isBlank(c):
			i++
			continue
		case c == '#':
			return toks, nil
		case c == '|':
			if i+1 < n && line[i+1] == '|' {
				toks = append(toks, token{kind: tokOrIf, text: "||"})
				i += 2
			} else {
				toks = append(toks, token{kind: tokPipe, text: "|"})
				i++
			}
			continue
		case c == '&':
			if i+1 < n && line[i+1] == '&' {
				toks = append(toks, token{kind: tokAndIf, text: "&&"})
				i += 2
				continue
			}
			return nil, unexpectedToken("&")
		case c == ';':
			toks = append(toks, token{kind: tokSemi, text: ";"})
			i++
			continue
		case c == '<':
			toks = append(toks, token{kind: tokRedir, text: "<", redir: redirection{fd: 0, mode: redirIn}})
			i++
			continue
		case c == '>':
			if i+1 < n && line[i+1] == '>' {
				toks = append(toks, token{kind: tokRedir, text: ">>", redir: redirection{fd: 1, mode: redirAppend}})
				i += 2
			} else {
				toks = append(toks, token{kind: tokRedir, text: ">", redir: redirection{fd: 1, mode: redirOut}})
				i++
			}
			continue
		case c == '2' && i+1 < n && line[i+1] == '>':
			switch {
			case strings.HasPrefix(line[i:], "2>&1"):
				toks = append(toks, token{kind: tokRedir, text: "2>&1", redir: redirection{fd: 2, mode: redirErrToOut}})
				i += 4
			case strings.HasPrefix(line[i:], "2>>"):
				toks = append(toks, token{kind: tokRedir, text: "2>>", redir: redirection{fd: 2, mode: redirAppend}})
				i += 3
			default:
				toks = append(toks, token{kind: tokRedir, text: "2>", redir: redirection{fd: 2, mode: redirOut}})
				i += 2
			}
			continue
		}

		w, next, err := lexWord(line, i)
		if err != nil {
			return nil, err
		}
		toks = append(toks, token{kind: tokWord, text: w.Raw(), word: w})
		i = next
	}
	return toks, nil
}

// lexWord reads one word starting at i and returns it with the index just
// past it.
func lexWord(line string, i int) (Word, int, error) {
	var w Word
	var bare strings.Builder
	flush := func() {
		if bare.Len() > 0 {
			w = append(w, wordPart{kind: partBare, text: bare.String()})
			bare.Reset()
		}
	}
	n := len(line)
	for i < n {
		c := line[i]
		if isBlank(c) || isOperator(c) {
			break
		}
		switch c {
		case '\\':
			if i+1 >= n {
				return nil, i, unexpectedToken("newline")
			}
			flush()
			w = append(w, wordPart{kind: partLiteral, text: line[i+1 : i+2]})
			i += 2
		case '\'':
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				return nil, i, unterminated('\'')
			}
			flush()
			w = append(w, wordPart{kind: partLiteral, text: line[i+1 : i+1+end]})
			i += end + 2
		case '"':
			flush()
			parts, next, err := lexDouble(line, i+1)
			if err != nil {
				return nil, i, err
			}
			w = append(w, parts...)
			i = next
		default:
			bare.WriteByte(c)
			i++
		}
	}
	flush()
	return w, i, nil
}

// lexDouble reads the body of a double-quoted string starting after the
// opening quote.
func lexDouble(line string, i int) ([]wordPart, int, error) {
	var parts []wordPart
	var sb strings.Builder
	n := len(line)
	for i < n {
		c := line[i]
		switch {
		case c == '"':
			parts = append(parts, wordPart{kind: partDouble, text: sb.String()})
			return parts, i + 1, nil
		case c == '\\' && i+1 < n && strings.IndexByte("$`\"\\", line[i+1]) >= 0:
			parts = append(parts, wordPart{kind: partDouble, text: sb.String()})
			sb.Reset()
			parts = append(parts, wordPart{kind: partLiteral, text: line[i+1 : i+2]})
			i += 2
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return nil, i, unterminated('"')
}

// Parse splits line into statements. Quoting is removed later, when words
// are expanded against a session.
func Parse(line string) (*Script, error) {
	toks, err := lex(line)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	script := &Script{}
	op := OpSeq
	for p.more() {
		stages, err := p.pipeline()
		if err != nil {
			return nil, err
		}
		script.Statements = append(script.Statements, Statement{Op: op, stages: stages})
		if !p.more() {
			break
		}
		t := p.next()
		switch t.kind {
		case tokSemi:
			op = OpSeq
		case tokAndIf:
			op = OpAnd
		case tokOrIf:
			op = OpOr
		default:
			return nil, unexpectedToken(t.text)
		}
		if op != OpSeq && !p.more() {
			return nil, unexpectedToken("newline")
		}
	}
	return script, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) more() bool { return p.pos < len(p.toks) }

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *parser) pipeline() ([]stage, error) {
	var stages []stage
	for {
		st, err := p.simple()
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
		if !p.more() || p.peek().kind != tokPipe {
			return stages, nil
		}
		p.next()
		if !p.more() {
			return nil, unexpectedToken("newline")
		}
	}
}

func (p *parser) simple() (stage, error) {
	var st stage
	for p.more() {
		t := p.peek()
		switch t.kind {
		case tokWord:
			st.words = append(st.words, t.word)
			p.next()
			continue
		case tokRedir:
			p.next()
			r := t.redir
			if r.mode != redirErrToOut {
				if !p.more() {
					return st, unexpectedToken("newline")
				}
				target := p.next()
				if target.kind != tokWord {
					return st, unexpectedToken(target.text)
				}
				r.target = target.word
			}
			st.redirs = append(st.redirs, r)
			continue
		}
		break
	}
	if len(st.words) == 0 && len(st.redirs) == 0 {
		if p.more() {
			return st, unexpectedToken(p.peek().text)
		}
		return st, unexpectedToken("newline")
	}
	return st, nil
}

// expander turns words into strings for one session.
type expander struct {
	lookup func(name string) (string, bool)
	status int
	home   string
	// glob returns the paths matching pattern, or nil when nothing
	// matches. A nil glob disables pathname expansion.
	glob func(pattern string) []string
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

// vars replaces $NAME, ${NAME} and $? in s.
func (x *expander) vars(s string) string {
	if strings.IndexByte(s, '$') < 0 {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' || i+1 >= len(s) {
			sb.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch {
		case next == '?':
			sb.WriteString(strconv.Itoa(x.status))
			i++
		case next == '$':
			val, _ := x.lookup("$")
			sb.WriteString(val)
			i++
		case next == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				sb.WriteString(s[i:])
				return sb.String()
			}
			val, _ := x.lookup(s[i+2 : i+2+end])
			sb.WriteString(val)
			i += end + 2
		case isNameStart(next):
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			val, _ := x.lookup(s[i+1 : j])
			sb.WriteString(val)
			i = j - 1
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, "*?[\\") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if strings.IndexByte("*?[\\", s[i]) >= 0 {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// word expands w. The returned pattern is non-empty when w contains
// unquoted glob characters; it escapes every character that came from a
// quoted or expanded source. keep is false for an unquoted word that
// expanded to nothing, which is then dropped.
func (x *expander) word(w Word) (value, pattern string, keep bool) {
	var val, pat strings.Builder
	glob := false
	for i, p := range w {
		switch p.kind {
		case partLiteral:
			keep = true
			val.WriteString(p.text)
			pat.WriteString(escapeGlob(p.text))
		case partDouble:
			keep = true
			s := x.vars(p.text)
			val.WriteString(s)
			pat.WriteString(escapeGlob(s))
		case partBare:
			text := p.text
			if i == 0 && x.home != "" && (text == "~" || strings.HasPrefix(text, "~/")) {
				val.WriteString(x.home)
				pat.WriteString(escapeGlob(x.home))
				text = text[1:]
			}
			// Split around variable references so that only literal
			// characters can act as glob metacharacters.
			for text != "" {
				j := strings.IndexByte(text, '$')
				if j < 0 {
					j = len(text)
				}
				lit := text[:j]
				val.WriteString(lit)
				pat.WriteString(lit)
				if hasGlobMeta(lit) {
					glob = true
				}
				text = text[j:]
				if text == "" {
					break
				}
				end := varRefEnd(text)
				s := x.vars(text[:end])
				val.WriteString(s)
				pat.WriteString(escapeGlob(s))
				text = text[end:]
			}
		}
	}
	if val.Len() > 0 {
		keep = true
	}
	if glob {
		pattern = pat.String()
	}
	return val.String(), pattern, keep
}

// varRefEnd returns the length of the variable reference at the start of
// s, which begins with '$'.
func varRefEnd(s string) int {
	if len(s) < 2 {
		return 1
	}
	switch c := s[1]; {
	case c == '?', c == '$':
		return 2
	case c == '{':
		if end := strings.IndexByte(s, '}'); end > 0 {
			return end + 1
		}
		return len(s)
	case isNameStart(c):
		j := 2
		for j < len(s) && isNameChar(s[j]) {
			j++
		}
		return j
	}
	return 1
}

// Redirect is a file redirection of a parsed command.
type Redirect struct {
	Path   string
	Append bool
}

// ParsedCommand is one expanded stage of a pipeline.
type ParsedCommand struct {
	Name string
	Args []string

	Stdin          string
	Stdout         *Redirect
	Stderr         *Redirect
	StderrToStdout bool

	Next *ParsedCommand
}

func (x *expander) pipeline(stages []stage) (*ParsedCommand, error) {
	var head, tail *ParsedCommand
	for _, st := range stages {
		cmd, err := x.stage(st)
		if err != nil {
			return nil, err
		}
		if head == nil {
			head = cmd
		} else {
			tail.Next = cmd
		}
		tail = cmd
	}
	return head, nil
}

func (x *expander) stage(st stage) (*ParsedCommand, error) {
	cmd := &ParsedCommand{}
	var argv []string
	for _, w := range st.words {
		val, pattern, keep := x.word(w)
		if !keep {
			continue
		}
		if pattern != "" && x.glob != nil {
			if matches := x.glob(pattern); len(matches) > 0 {
				argv = append(argv, matches...)
				continue
			}
		}
		argv = append(argv, val)
	}
	if len(argv) > 0 {
		cmd.Name, cmd.Args = argv[0], argv[1:]
	}
	for _, r := range st.redirs {
		if r.mode == redirErrToOut {
			cmd.StderrToStdout = true
			continue
		}
		target, _, _ := x.word(r.target)
		if target == "" {
			return nil, &redirectError{word: r.target.Raw()}
		}
		switch {
		case r.mode == redirIn:
			cmd.Stdin = target
		case r.fd == 2:
			cmd.Stderr = &Redirect{Path: target, Append: r.mode == redirAppend}
		default:
			cmd.Stdout = &Redirect{Path: target, Append: r.mode == redirAppend}
		}
	}
	return cmd, nil
}

type redirectError struct {
	word string
}

func (e *redirectError) Error() string { return e.word + ": ambiguous redirect" }

// ParseCommand parses a single pipeline and expands it against env without
// pathname expansion.
func ParseCommand(line string, env map[string]string) (*ParsedCommand, error) {
	script, err := Parse(line)
	if err != nil {
		return nil, err
	}
	if len(script.Statements) != 1 {
		return nil, &SyntaxError{Msg: "expected a single pipeline"}
	}
	x := &expander{
		lookup: func(name string) (string, bool) {
			v, ok := env[name]
			return v, ok
		},
		home: env["HOME"],
	}
	return x.pipeline(script.Statements[0].stages)
}
