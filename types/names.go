package types

import "strings"

// SplitTestName maps a Go test name onto the class/method columns. The
// top-level test is the class; the subtest path below it is the method. A
// test without subtests is both.
func SplitTestName(name string) (class, method string) {
	class, method, ok := strings.Cut(name, "/")
	if !ok {
		return name, name
	}
	return class, method
}

// PackageOf returns the import path part of a fully qualified function name
// such as "github.com/org/repo/pkg.TestFoo.func1".
func PackageOf(funcName string) string {
	slash := strings.LastIndex(funcName, "/")
	dot := strings.Index(funcName[slash+1:], ".")
	if dot < 0 {
		return funcName
	}
	return funcName[:slash+1+dot]
}
