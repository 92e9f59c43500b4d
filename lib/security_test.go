// Package lib holds cross-package checks over the sources under lib/.
package lib

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
)

// walkSources parses every non-test Go file under lib/.
func walkSources(t *testing.T, mode parser.Mode, visit func(path string, fset *token.FileSet, file *ast.File)) {
	t.Helper()
	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, path, nil, mode)
		if err != nil {
			t.Errorf("parsing %s: %v", path, err)
			return nil
		}
		visit(path, fset, file)
		return nil
	})
	if err != nil {
		t.Fatalf("walking lib: %v", err)
	}
}

// TestAllRandomnessFromCryptoRand rejects math/rand outside tests. Node ids,
// connection ids and control tokens must not be predictable.
func TestAllRandomnessFromCryptoRand(t *testing.T) {
	walkSources(t, parser.ImportsOnly, func(path string, _ *token.FileSet, file *ast.File) {
		for _, imp := range file.Imports {
			switch strings.Trim(imp.Path.Value, `"`) {
			case "math/rand", "math/rand/v2":
				t.Errorf("%s imports %s; use go-i2p/crypto/rand", path, imp.Path.Value)
			}
		}
	})
}

// TestTLSConfigsPinMinVersion requires every tls.Config literal to set
// MinVersion.
func TestTLSConfigsPinMinVersion(t *testing.T) {
	walkSources(t, 0, func(_ string, fset *token.FileSet, file *ast.File) {
		ast.Inspect(file, func(n ast.Node) bool {
			lit, ok := n.(*ast.CompositeLit)
			if !ok {
				return true
			}
			sel, ok := lit.Type.(*ast.SelectorExpr)
			if !ok || sel.Sel.Name != "Config" {
				return true
			}
			if pkg, ok := sel.X.(*ast.Ident); !ok || pkg.Name != "tls" {
				return true
			}
			for _, elt := range lit.Elts {
				if kv, ok := elt.(*ast.KeyValueExpr); ok {
					if key, ok := kv.Key.(*ast.Ident); ok && key.Name == "MinVersion" {
						return true
					}
				}
			}
			t.Errorf("%s: tls.Config without MinVersion", fset.Position(lit.Pos()))
			return true
		})
	})
}

// TestNoPanicsFromExternalInput limits panic calls to internal invariant
// checks that no packet or config value can reach.
func TestNoPanicsFromExternalInput(t *testing.T) {
	allowed := map[string]bool{
		filepath.Join("router", "peers.go"): true,
		filepath.Join("util", "home.go"):    true,
	}
	walkSources(t, 0, func(path string, fset *token.FileSet, file *ast.File) {
		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			if ident, ok := call.Fun.(*ast.Ident); ok && ident.Name == "panic" && !allowed[path] {
				t.Errorf("%s: unexpected panic", fset.Position(call.Pos()))
			}
			return true
		})
	})
}
