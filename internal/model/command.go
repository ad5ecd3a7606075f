package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind is a type of command argument or option value.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindFile   Kind = "file"
	KindRegex  Kind = "regex"
	KindFlag   Kind = "flag"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindNumber, KindFile, KindRegex, KindFlag:
		return true
	}
	return false
}

// ArgSpec describes a positional argument of a command.
type ArgSpec struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Required bool   `json:"required,omitempty"`
	Variadic bool   `json:"variadic,omitempty"` // last argument only
}

// OptionSpec describes a named option, rendered as Flag followed by its value.
// Options of KindFlag are rendered as Flag only when set to true.
type OptionSpec struct {
	Name     string `json:"name"`
	Flag     string `json:"flag"` // e.g. --delimiter
	Kind     Kind   `json:"kind"`
	Required bool   `json:"required,omitempty"`
}

// Command is a declarative template of an external command. It is never
// modified once loaded.
type Command struct {
	Name       string       `json:"name"`
	Binary     string       `json:"binary"`
	Subcommand []string     `json:"subcommand,omitempty"`
	Args       []ArgSpec    `json:"args,omitempty"`
	Options    []OptionSpec `json:"options,omitempty"`
}

// Validate checks the structure of a descriptor itself
func (c Command) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("command %q: empty binary: %w", c.Name, ErrSkillNotFound)
	}
	seen := make(map[string]struct{}, len(c.Args)+len(c.Options))
	for i, a := range c.Args {
		if !a.Kind.valid() {
			return fmt.Errorf("command %q: arg %q: unknown kind %q: %w", c.Name, a.Name, a.Kind, ErrInvalidParams)
		}
		if a.Variadic && i != len(c.Args)-1 {
			return fmt.Errorf("command %q: arg %q: only the last argument can be variadic: %w", c.Name, a.Name, ErrInvalidParams)
		}
		if _, ok := seen[a.Name]; ok {
			return fmt.Errorf("command %q: duplicate name %q: %w", c.Name, a.Name, ErrInvalidParams)
		}
		seen[a.Name] = struct{}{}
	}
	for _, o := range c.Options {
		if !o.Kind.valid() {
			return fmt.Errorf("command %q: option %q: unknown kind %q: %w", c.Name, o.Name, o.Kind, ErrInvalidParams)
		}
		if !strings.HasPrefix(o.Flag, "-") {
			return fmt.Errorf("command %q: option %q: flag %q must start with -: %w", c.Name, o.Name, o.Flag, ErrInvalidParams)
		}
		if _, ok := seen[o.Name]; ok {
			return fmt.Errorf("command %q: duplicate name %q: %w", c.Name, o.Name, ErrInvalidParams)
		}
		seen[o.Name] = struct{}{}
	}
	return nil
}

// Value is a tagged union over the argument kinds. Use the constructors
// String, Number, File, Regex, Flag or ParseValue.
type Value struct {
	kind  Kind
	str   string
	num   float64
	flag  bool
	list  []string
	multi bool // list holds the values, possibly none
}

func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func File(path string) Value { return Value{kind: KindFile, str: path} }
func Regex(expr string) Value { return Value{kind: KindRegex, str: expr} }
func Flag(b bool) Value { return Value{kind: KindFlag, flag: b} }
func Strings(s ...string) Value {
	return Value{kind: KindString, list: append([]string(nil), s...), multi: true}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsZero() bool { return v.kind == "" }

// ParseValue converts a textual value into a Value of a given kind.
func ParseValue(kind Kind, s string) (Value, error) {
	switch kind {
	case KindString:
		return String(s), nil
	case KindNumber:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("parsing number %q: %w", s, ErrInvalidParams)
		}
		return Number(f), nil
	case KindFile:
		return File(s), nil
	case KindRegex:
		return Regex(s), nil
	case KindFlag:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("parsing flag %q: %w", s, ErrInvalidParams)
		}
		return Flag(b), nil
	default:
		return Value{}, fmt.Errorf("unknown kind %q: %w", kind, ErrInvalidParams)
	}
}

// render returns the textual form(s) of a value after checking it against kind.
func (v Value) render(kind Kind) ([]string, error) {
	if v.kind != kind {
		return nil, fmt.Errorf("expected %s, got %s: %w", kind, v.kind, ErrInvalidParams)
	}
	switch kind {
	case KindNumber:
		return []string{strconv.FormatFloat(v.num, 'f', -1, 64)}, nil
	case KindFlag:
		return []string{strconv.FormatBool(v.flag)}, nil
	case KindRegex:
		if _, err := regexp.Compile(v.str); err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", v.str, ErrInvalidParams)
		}
		return []string{v.str}, nil
	case KindFile:
		if v.str == "" {
			return nil, fmt.Errorf("empty file path: %w", ErrInvalidParams)
		}
		return []string{v.str}, nil
	default:
		if v.multi {
			return v.list, nil
		}
		return []string{v.str}, nil
	}
}

// Argv renders the deterministic argument vector (without the binary) for
// given argument and option values. Options come first in descriptor order,
// then positional arguments in descriptor order. Unknown names are rejected.
func (c Command) Argv(args, options map[string]Value) ([]string, error) {
	for name := range args {
		if !c.hasArg(name) {
			return nil, fmt.Errorf("command %q: unknown argument %q: %w", c.Name, name, ErrInvalidParams)
		}
	}
	for name := range options {
		if !c.hasOption(name) {
			return nil, fmt.Errorf("command %q: unknown option %q: %w", c.Name, name, ErrInvalidParams)
		}
	}

	argv := append([]string(nil), c.Subcommand...)
	for _, o := range c.Options {
		v, ok := options[o.Name]
		if !ok || v.IsZero() {
			if o.Required {
				return nil, fmt.Errorf("command %q: missing option %q: %w", c.Name, o.Name, ErrInvalidParams)
			}
			continue
		}
		rendered, err := v.render(o.Kind)
		if err != nil {
			return nil, fmt.Errorf("command %q: option %q: %w", c.Name, o.Name, err)
		}
		if o.Kind == KindFlag {
			if v.flag {
				argv = append(argv, o.Flag)
			}
			continue
		}
		argv = append(argv, o.Flag)
		argv = append(argv, rendered...)
	}

	for _, a := range c.Args {
		v, ok := args[a.Name]
		if !ok || v.IsZero() {
			if a.Required {
				return nil, fmt.Errorf("command %q: missing argument %q: %w", c.Name, a.Name, ErrInvalidParams)
			}
			continue
		}
		if v.multi && !a.Variadic {
			return nil, fmt.Errorf("command %q: argument %q is not variadic: %w", c.Name, a.Name, ErrInvalidParams)
		}
		if v.multi && len(v.list) == 0 && a.Required {
			return nil, fmt.Errorf("command %q: missing argument %q: %w", c.Name, a.Name, ErrInvalidParams)
		}
		rendered, err := v.render(a.Kind)
		if err != nil {
			return nil, fmt.Errorf("command %q: argument %q: %w", c.Name, a.Name, err)
		}
		argv = append(argv, rendered...)
	}
	return argv, nil
}

func (c Command) hasArg(name string) bool {
	for _, a := range c.Args {
		if a.Name == name {
			return true
		}
	}
	return false
}

func (c Command) hasOption(name string) bool {
	for _, o := range c.Options {
		if o.Name == name {
			return true
		}
	}
	return false
}

// ArgKind returns the kind of named argument or option, used for parsing
// values coming as text (CLI, config files).
func (c Command) ArgKind(name string) (Kind, bool) {
	for _, a := range c.Args {
		if a.Name == name {
			return a.Kind, true
		}
	}
	for _, o := range c.Options {
		if o.Name == name {
			return o.Kind, true
		}
	}
	return "", false
}

// Resolver resolves a descriptor reference to a Command
type Resolver interface {
	Lookup(name string) (Command, error)
}

// Catalog is an in-memory Resolver
type Catalog map[string]Command

func NewCatalog(commands ...Command) (Catalog, error) {
	c := make(Catalog, len(commands))
	for _, cmd := range commands {
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
		if _, ok := c[cmd.Name]; ok {
			return nil, fmt.Errorf("duplicate command %q: %w", cmd.Name, ErrInvalidParams)
		}
		c[cmd.Name] = cmd
	}
	return c, nil
}

func (c Catalog) Lookup(name string) (Command, error) {
	cmd, ok := c[name]
	if !ok {
		return Command{}, fmt.Errorf("%q: %w", name, ErrSkillNotFound)
	}
	return cmd, nil
}

// ParseValues splits textual name=value pairs into argument and option
// values according to the kinds declared by the command.
func (c Command) ParseValues(raw map[string]string) (args, options map[string]Value, err error) {
	args = make(map[string]Value)
	options = make(map[string]Value)
	for name, s := range raw {
		kind, ok := c.ArgKind(name)
		if !ok {
			return nil, nil, fmt.Errorf("command %q: unknown parameter %q: %w", c.Name, name, ErrInvalidParams)
		}
		v, err := ParseValue(kind, s)
		if err != nil {
			return nil, nil, fmt.Errorf("command %q: parameter %q: %w", c.Name, name, err)
		}
		if c.hasArg(name) {
			args[name] = v
		} else {
			options[name] = v
		}
	}
	return args, options, nil
}
