/*
Package test provides shared testing utilities for this module.

This package includes:
  - Suite: base test suite with context and testify integration

Usage:

	import "github.com/chris-alexander-pop/notification-pipeline/pkg/test"

	type MyTestSuite struct {
		test.Suite
	}

	func (s *MyTestSuite) TestSomething() {
		s.NoError(doSomething(s.Ctx))
	}

	func TestMySuite(t *testing.T) {
		test.Run(t, new(MyTestSuite))
	}
*/
package test
