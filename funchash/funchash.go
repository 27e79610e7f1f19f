// Package funchash produces a deterministic digest of a task function
// encoding its behaviour, so that a replayed evaluation can detect edits to
// the function body, to referenced constants, or to referenced helper rules,
// while ignoring cosmetic reformatting.
//
// The digest covers the function's printed AST (name and comments dropped)
// plus a tag for every free identifier the body references. Referenced rules
// recurse into their own digest; package selectors resolve to the standard
// library or a versioned module dependency; anything else must be registered
// with RegisterGlobal or hashing fails.
package funchash

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"reflect"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/FollowTheProcess/warp/hash"
)

// modulePath is this engine's own module, selectors into it are tagged by
// the engine version rather than resolved through the build info.
const (
	modulePath    = "github.com/FollowTheProcess/warp"
	engineVersion = "0.1.0"
)

// FuncHasher is the capability carried by rules: anything that can report
// its own function digest. Referenced rules are tagged by this digest so a
// change to a callee invalidates its callers.
type FuncHasher interface {
	FuncHash() (string, error)
}

var (
	mu      sync.Mutex
	cache   = make(map[uintptr]string) // fn pointer -> digest
	rules   = make(map[string]any)     // qualified name -> rule function
	globals = make(map[string]any)     // qualified name -> registered value
)

// RegisterRule registers fn as the rule bound to name within fn's defining
// package, so that other rules referencing it by identifier hash through
// it. Returns the qualified name the rule is registered under.
func RegisterRule(name string, fn any) string {
	qualified := PkgPathOf(fn) + "." + name
	mu.Lock()
	defer mu.Unlock()
	rules[qualified] = fn
	return qualified
}

// LookupRule returns the rule function registered under the qualified
// name.
func LookupRule(qualified string) (any, bool) {
	mu.Lock()
	defer mu.Unlock()
	fn, ok := rules[qualified]
	return fn, ok
}

// RegisterGlobal registers a package level value referenced from rule
// bodies under its qualified "pkgpath.name". Values may be Hashed, rule
// like (FuncHasher), plain functions, or composite encodable constants.
func RegisterGlobal(qualified string, value any) {
	mu.Lock()
	defer mu.Unlock()
	globals[qualified] = value
}

// PkgPathOf returns the package path a function value was defined in,
// derived from its runtime name.
func PkgPathOf(fn any) string {
	pc := reflect.ValueOf(fn).Pointer()
	full := runtime.FuncForPC(pc).Name()
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return full
	}
	return full[:slash+1+dot]
}

// Hash digests the function encoding its behaviour. Two gofmt-equivalent
// sources produce the same digest; edits to the body or to anything the
// body references produce a different one.
func Hash(fn any) (string, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return "", fmt.Errorf("%w: not a function: %v", hash.ErrHashing, fn)
	}
	pc := rv.Pointer()
	mu.Lock()
	if digest, ok := cache[pc]; ok {
		mu.Unlock()
		return digest, nil
	}
	mu.Unlock()

	digest, err := hashFunc(pc)
	if err != nil {
		return "", err
	}

	mu.Lock()
	cache[pc] = digest
	mu.Unlock()
	return digest, nil
}

func hashFunc(pc uintptr) (string, error) {
	rf := runtime.FuncForPC(pc)
	if rf == nil {
		return "", fmt.Errorf("%w: no runtime information for function", hash.ErrHashing)
	}
	file, line := rf.FileLine(rf.Entry())
	pkgpath := pkgPathOfName(rf.Name())

	fset := token.NewFileSet()
	parsed, err := parser.ParseFile(fset, file, nil, 0)
	if err != nil {
		return "", fmt.Errorf("%w: cannot parse source of %s: %s", hash.ErrHashing, rf.Name(), err)
	}

	node, ftype, body := findFunc(fset, parsed, line)
	if body == nil {
		return "", fmt.Errorf("%w: cannot locate source of %s at %s:%d", hash.ErrHashing, rf.Name(), file, line)
	}

	astCode, err := printNormalised(fset, node)
	if err != nil {
		return "", err
	}

	imports := importTable(parsed)
	refs := freeIdents(ftype, body, imports)

	tags := make(map[string]string, len(refs.idents)+len(refs.selectors))
	for ident := range refs.idents {
		tag, err := tagIdent(pkgpath+"."+ident, pkgpath, pc)
		if err != nil {
			return "", fmt.Errorf("in %s: %w", rf.Name(), err)
		}
		tags[ident] = tag
	}
	for sel := range refs.selectors {
		tag, err := tagSelector(sel, pc)
		if err != nil {
			return "", fmt.Errorf("in %s: %w", rf.Name(), err)
		}
		tags[sel] = tag
	}

	// Canonical JSON of {ast_code, globals} exactly as persisted specs do
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	var spec bytes.Buffer
	spec.WriteString(`{"ast_code":`)
	spec.WriteString(strconv.Quote(astCode))
	spec.WriteString(`,"globals":{`)
	for i, name := range names {
		if i > 0 {
			spec.WriteByte(',')
		}
		spec.WriteString(strconv.Quote(name))
		spec.WriteByte(':')
		spec.WriteString(strconv.Quote(tags[name]))
	}
	spec.WriteString("}}")

	return string(hash.Sum(spec.Bytes())), nil
}

func pkgPathOfName(full string) string {
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return full
	}
	return full[:slash+1+dot]
}

// findFunc locates the innermost function declaration or literal whose
// body contains the given line.
func findFunc(fset *token.FileSet, file *ast.File, line int) (node ast.Node, ftype *ast.FuncType, body *ast.BlockStmt) {
	ast.Inspect(file, func(n ast.Node) bool {
		switch fn := n.(type) {
		case *ast.FuncDecl:
			if fn.Body != nil && contains(fset, fn.Pos(), fn.Body.End(), line) {
				node, ftype, body = fn, fn.Type, fn.Body
			}
		case *ast.FuncLit:
			if contains(fset, fn.Pos(), fn.End(), line) {
				node, ftype, body = fn, fn.Type, fn.Body
			}
		}
		return true
	})
	return node, ftype, body
}

func contains(fset *token.FileSet, start, end token.Pos, line int) bool {
	return fset.Position(start).Line <= line && line <= fset.Position(end).Line
}

// printNormalised renders the function with its name cleared and comments
// dropped so that the digest ignores naming and documentation.
func printNormalised(fset *token.FileSet, node ast.Node) (string, error) {
	var buf bytes.Buffer
	if decl, ok := node.(*ast.FuncDecl); ok {
		anon := *decl
		anon.Doc = nil
		anon.Name = ast.NewIdent("_")
		node = &anon
	}
	if err := printer.Fprint(&buf, fset, node); err != nil {
		return "", fmt.Errorf("%w: cannot print function source: %s", hash.ErrHashing, err)
	}
	return buf.String(), nil
}

func importTable(file *ast.File) map[string]string {
	imports := make(map[string]string, len(file.Imports))
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		name := path[strings.LastIndex(path, "/")+1:]
		if imp.Name != nil {
			name = imp.Name.Name
		}
		imports[name] = path
	}
	return imports
}

// references collects what a function body refers to outside itself:
// bare free identifiers (same package globals) and package selectors.
type references struct {
	idents    map[string]struct{}
	selectors map[string]struct{} // "import/path.Name"
}

// freeIdents finds every identifier the body references that is not bound
// within the function. The analysis is flow insensitive: any identifier
// declared anywhere in the function shadows the global of the same name.
func freeIdents(ftype *ast.FuncType, body *ast.BlockStmt, imports map[string]string) references {
	declared := make(map[string]struct{})
	declare := func(ident *ast.Ident) {
		if ident != nil && ident.Name != "_" {
			declared[ident.Name] = struct{}{}
		}
	}
	declareFields := func(fields *ast.FieldList) {
		if fields == nil {
			return
		}
		for _, field := range fields.List {
			for _, name := range field.Names {
				declare(name)
			}
		}
	}
	declareFields(ftype.Params)
	declareFields(ftype.Results)

	skip := make(map[*ast.Ident]struct{})
	ast.Inspect(body, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.AssignStmt:
			if node.Tok == token.DEFINE {
				for _, lhs := range node.Lhs {
					if ident, ok := lhs.(*ast.Ident); ok {
						declare(ident)
					}
				}
			}
		case *ast.ValueSpec:
			for _, name := range node.Names {
				declare(name)
			}
		case *ast.TypeSpec:
			declare(node.Name)
		case *ast.RangeStmt:
			if node.Tok == token.DEFINE {
				if ident, ok := node.Key.(*ast.Ident); ok {
					declare(ident)
				}
				if ident, ok := node.Value.(*ast.Ident); ok {
					declare(ident)
				}
			}
		case *ast.FuncLit:
			declareFields(node.Type.Params)
			declareFields(node.Type.Results)
		case *ast.LabeledStmt:
			skip[node.Label] = struct{}{}
		case *ast.BranchStmt:
			if node.Label != nil {
				skip[node.Label] = struct{}{}
			}
		case *ast.SelectorExpr:
			skip[node.Sel] = struct{}{}
		case *ast.KeyValueExpr:
			if ident, ok := node.Key.(*ast.Ident); ok {
				skip[ident] = struct{}{}
			}
		}
		return true
	})

	refs := references{idents: make(map[string]struct{}), selectors: make(map[string]struct{})}
	ast.Inspect(body, func(n ast.Node) bool {
		if sel, ok := n.(*ast.SelectorExpr); ok {
			if ident, isIdent := sel.X.(*ast.Ident); isIdent {
				if _, local := declared[ident.Name]; !local {
					if path, isImport := imports[ident.Name]; isImport {
						refs.selectors[path+"."+sel.Sel.Name] = struct{}{}
						return false
					}
				}
			}
			return true
		}
		ident, ok := n.(*ast.Ident)
		if !ok {
			return true
		}
		if _, skipped := skip[ident]; skipped {
			return true
		}
		if _, local := declared[ident.Name]; local {
			return true
		}
		if isBuiltin(ident.Name) {
			return true
		}
		if _, isImport := imports[ident.Name]; isImport {
			return true
		}
		refs.idents[ident.Name] = struct{}{}
		return true
	})
	return refs
}

// tagIdent resolves a bare free identifier to its digest tag.
func tagIdent(qualified, pkgpath string, self uintptr) (string, error) {
	mu.Lock()
	rule, isRule := rules[qualified]
	global, isGlobal := globals[qualified]
	mu.Unlock()
	if isRule {
		return tagRule(rule, self)
	}
	if isGlobal {
		return tagValue(qualified, global, self)
	}
	if strings.HasPrefix(pkgpath, modulePath) {
		// Engine internal helpers version with the engine itself
		return fmt.Sprintf("%s(%s)", qualified, engineVersion), nil
	}
	return "", fmt.Errorf("%w: cannot hash global %s, register it with funchash.RegisterGlobal", hash.ErrHashing, qualified)
}

// tagSelector resolves a package qualified reference to its digest tag.
func tagSelector(qualified string, self uintptr) (string, error) {
	mu.Lock()
	rule, isRule := rules[qualified]
	global, isGlobal := globals[qualified]
	mu.Unlock()
	if isRule {
		return tagRule(rule, self)
	}
	if isGlobal {
		return tagValue(qualified, global, self)
	}
	path := qualified[:strings.LastIndex(qualified, ".")]
	if !strings.Contains(firstSegment(path), ".") {
		return qualified + "(stdlib)", nil
	}
	if strings.HasPrefix(path, modulePath) {
		return fmt.Sprintf("%s(%s)", qualified, engineVersion), nil
	}
	if version, ok := moduleVersion(path); ok {
		return fmt.Sprintf("%s(%s)", qualified, version), nil
	}
	return "", fmt.Errorf("%w: cannot hash reference %s, register it with funchash.RegisterGlobal", hash.ErrHashing, qualified)
}

func tagRule(fn any, self uintptr) (string, error) {
	if reflect.ValueOf(fn).Pointer() == self {
		return "func_hash:self", nil
	}
	digest, err := Hash(fn)
	if err != nil {
		return "", err
	}
	return "func_hash:" + digest, nil
}

func tagValue(qualified string, value any, self uintptr) (string, error) {
	if hasher, ok := value.(FuncHasher); ok {
		digest, err := hasher.FuncHash()
		if err != nil {
			return "", err
		}
		return "func_hash:" + digest, nil
	}
	if hashed, ok := value.(hash.Hashed); ok {
		return "hashed:" + string(hashed.Hashid()), nil
	}
	if reflect.ValueOf(value).Kind() == reflect.Func {
		if reflect.ValueOf(value).Pointer() == self {
			return "function:self", nil
		}
		digest, err := Hash(value)
		if err != nil {
			return "", err
		}
		return "function:" + digest, nil
	}
	composite, err := hash.CompositeFromObject(value)
	if err != nil {
		return "", fmt.Errorf("%w: cannot hash global %s = %#v", hash.ErrHashing, qualified, value)
	}
	return "composite:" + string(composite.Hashid()), nil
}

func firstSegment(path string) string {
	if i := strings.Index(path, "/"); i >= 0 {
		return path[:i]
	}
	return path
}

var buildInfo = sync.OnceValue(func() *debug.BuildInfo {
	info, _ := debug.ReadBuildInfo()
	return info
})

// moduleVersion resolves the version of the module providing the given
// import path from the binary's embedded build information.
func moduleVersion(path string) (string, bool) {
	info := buildInfo()
	if info == nil {
		return "", false
	}
	if strings.HasPrefix(path, info.Main.Path) && info.Main.Path != "" {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version, true
		}
		return "", false
	}
	for _, dep := range info.Deps {
		if path == dep.Path || strings.HasPrefix(path, dep.Path+"/") {
			return dep.Version, true
		}
	}
	return "", false
}

// isBuiltin reports whether name is a predeclared Go identifier.
func isBuiltin(name string) bool {
	switch name {
	case "true", "false", "nil", "iota",
		"append", "cap", "clear", "close", "complex", "copy", "delete",
		"imag", "len", "make", "max", "min", "new", "panic", "print",
		"println", "real", "recover",
		"any", "bool", "byte", "comparable", "complex64", "complex128",
		"error", "float32", "float64", "int", "int8", "int16", "int32",
		"int64", "rune", "string", "uint", "uint8", "uint16", "uint32",
		"uint64", "uintptr":
		return true
	}
	return false
}
