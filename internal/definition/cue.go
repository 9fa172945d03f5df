package definition

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/pvm/internal/behavior"
	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/runtime"
)

// schema constrains CUE resources before they are decoded. Nested
// subprocess activities are checked after decoding.
const schema = `
#Listener: {
	event?:  "start" | "end" | "take"
	type:    string
	params?: [string]: string
}

#Transition: {
	id?:        string
	to:         string
	condition?: string
	listeners?: [...#Listener]
}

#Activity: {
	id:          string
	name?:       string
	type:        string
	initial?:    bool
	async?:      bool
	scope?:      bool
	attachedTo?: string
	timer?: {
		calendar:   *"duration" | "dueDate"
		expression: string
	}
	properties?: [string]: string
	listeners?:  [...#Listener]
	transitions?: [...#Transition]
	activities?: [...]
}

#Process: {
	key:        string & != ""
	name?:      string
	listeners?: [...#Listener]
	activities: [...#Activity]
}

processes: [...#Process]
`

// CUEParser parses .cue resources. The resource must be a single file
// declaring a processes list.
type CUEParser struct {
	Registry *behavior.Registry
}

// DecodeCUE evaluates a CUE resource against the document schema and
// decodes it.
func DecodeCUE(name string, content []byte) (Document, error) {
	var doc Document
	ctx := cuecontext.New()
	s := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := s.Err(); err != nil {
		return doc, fault.Fatal("process document schema: %v", err)
	}
	v := ctx.CompileBytes(content, cue.Filename(name))
	if err := v.Err(); err != nil {
		return doc, cueError(err)
	}
	v = s.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return doc, cueError(err)
	}
	if err := v.Decode(&doc); err != nil {
		return doc, cueError(err)
	}
	return doc, nil
}

// Parse implements runtime.Parser.
func (p CUEParser) Parse(name string, content []byte) ([]*runtime.ProcessDefinition, error) {
	doc, err := DecodeCUE(name, content)
	if err != nil {
		return nil, err
	}
	return Build(p.Registry, doc)
}

// cueError reports the first CUE error with its position.
func cueError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return fault.Validation("invalid process document: %v", err)
	}
	first := errs[0]
	msg := first.Error()
	if pos := errors.Positions(first); len(pos) > 0 && pos[0].IsValid() {
		msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), msg)
	}
	return fault.Validation("invalid process document: %s", msg)
}

// Register installs the YAML and CUE parsers on repo.
func Register(repo *runtime.Repository, reg *behavior.Registry) {
	repo.RegisterParser(".yaml", YAMLParser{Registry: reg})
	repo.RegisterParser(".yml", YAMLParser{Registry: reg})
	repo.RegisterParser(".cue", CUEParser{Registry: reg})
}
