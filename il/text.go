package il

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ---------------------------------------------------------------------------
// Text assembler
// ---------------------------------------------------------------------------

// TokenResolver maps a symbolic operand of a token-taking instruction to a
// metadata token. For ldstr the operand is the unquoted string literal.
type TokenResolver func(op Opcode, operand string) (uint32, error)

// Program is the result of assembling source text.
type Program struct {
	Code   []byte
	Labels map[string]int // label name to IL offset
}

// Assemble translates assembler source into an encoded method body.
//
// Each line holds an optional "label:" prefix and at most one instruction.
// Comments start with // or ; and run to the end of the line. Branch
// operands name labels; switch takes a parenthesized label list. Token
// operands that are not numeric are passed to resolve.
func Assemble(src string, resolve TokenResolver) (*Program, error) {
	a := NewAssembler()
	labels := map[string]*Label{}
	label := func(name string) *Label {
		l, ok := labels[name]
		if !ok {
			l = a.NamedLabel(name)
			labels[name] = l
		}
		return l
	}

	var errs *multierror.Error
	for n, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(stripComment(line))
		for {
			name, rest, ok := splitLabel(line)
			if !ok {
				break
			}
			l := label(name)
			if l.marked {
				errs = multierror.Append(errs, fmt.Errorf("line %d: label %q defined twice", n+1, name))
			} else {
				a.Mark(l)
			}
			line = strings.TrimSpace(rest)
		}
		if line == "" {
			continue
		}
		if err := assembleLine(a, line, label, resolve); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("line %d: %w", n+1, err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	code, err := a.Bytes()
	if err != nil {
		return nil, err
	}
	p := &Program{Code: code, Labels: make(map[string]int, len(labels))}
	for name, l := range labels {
		p.Labels[name] = l.position
	}
	return p, nil
}

func assembleLine(a *Assembler, line string, label func(string) *Label, resolve TokenResolver) error {
	mnemonic, operand := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		mnemonic, operand = line[:i], strings.TrimSpace(line[i+1:])
	}
	op, ok := Lookup(strings.ToLower(mnemonic))
	if !ok {
		return fmt.Errorf("unknown instruction %q", mnemonic)
	}
	kind := op.Info().Operand
	if kind == OperandNone {
		if operand != "" {
			return fmt.Errorf("%s takes no operand", op)
		}
		a.Emit(op)
		return nil
	}
	if operand == "" {
		return fmt.Errorf("%s requires an operand", op)
	}

	switch kind {
	case OperandShortI:
		v, err := strconv.ParseInt(operand, 0, 8)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		a.EmitI1(op, int8(v))
	case OperandShortVar:
		v, err := strconv.ParseUint(operand, 0, 8)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		a.EmitU1(op, uint8(v))
	case OperandVar:
		v, err := strconv.ParseUint(operand, 0, 16)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		a.EmitU2(op, uint16(v))
	case OperandI4:
		v, err := strconv.ParseInt(operand, 0, 64)
		if err != nil || v < math.MinInt32 || v > math.MaxUint32 {
			return fmt.Errorf("%s: invalid 32-bit operand %q", op, operand)
		}
		a.EmitI4(op, int32(v))
	case OperandI8:
		v, err := strconv.ParseInt(operand, 0, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		a.EmitI8(op, v)
	case OperandR4:
		v, err := strconv.ParseFloat(operand, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		a.EmitR4(op, float32(v))
	case OperandR8:
		v, err := strconv.ParseFloat(operand, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		a.EmitR8(op, v)
	case OperandShortBranch, OperandBranch:
		if !isIdent(operand) {
			return fmt.Errorf("%s: invalid label %q", op, operand)
		}
		a.EmitBranch(op, label(operand))
	case OperandSwitch:
		if !strings.HasPrefix(operand, "(") || !strings.HasSuffix(operand, ")") {
			return fmt.Errorf("switch: expected (label, ...)")
		}
		var targets []*Label
		inner := strings.TrimSpace(operand[1 : len(operand)-1])
		if inner != "" {
			for _, name := range strings.Split(inner, ",") {
				name = strings.TrimSpace(name)
				if !isIdent(name) {
					return fmt.Errorf("switch: invalid label %q", name)
				}
				targets = append(targets, label(name))
			}
		}
		a.EmitSwitch(targets...)
	case OperandToken:
		tok, err := token(op, operand, resolve)
		if err != nil {
			return err
		}
		a.EmitToken(op, tok)
	}
	return nil
}

func token(op Opcode, operand string, resolve TokenResolver) (uint32, error) {
	if op == Ldstr {
		s, err := strconv.Unquote(operand)
		if err != nil {
			return 0, fmt.Errorf("ldstr: invalid string literal %s", operand)
		}
		operand = s
	} else if v, err := strconv.ParseUint(operand, 0, 32); err == nil {
		return uint32(v), nil
	}
	if resolve == nil {
		return 0, fmt.Errorf("%s: cannot resolve %q without a resolver", op, operand)
	}
	tok, err := resolve(op, operand)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", op, operand, err)
	}
	return tok, nil
}

// stripComment removes a trailing // or ; comment that is not inside a
// string literal.
func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && inString:
			i++
		case c == '"':
			inString = !inString
		case inString:
		case c == ';':
			return line[:i]
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

func splitLabel(line string) (name, rest string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return "", line, false
	}
	name = line[:i]
	if !isIdent(name) {
		return "", line, false
	}
	return name, line[i+1:], true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '.'):
		default:
			return false
		}
	}
	return true
}
