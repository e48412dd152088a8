// Package webhook fires tenant-registered HTTP hooks on tool lifecycle
// events. Hook matchers are user-supplied regular expressions, so the
// package treats them as hostile input: patterns are vetted statically at
// registration and matching runs under a wall-clock budget at dispatch.
// Both checks fail closed.
package webhook

import (
	"fmt"
	"regexp"
	"regexp/syntax"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
)

const (
	maxPatternLen  = 256
	maxQuantifiers = 16
)

// CompileMatcher vets and compiles a user-supplied tool-name matcher.
//
// The standard engine is already linear-time, but a pattern like (a+)+b is
// still a signal of either a mistake or a probe, and a pathological pattern
// can be expensive even without backtracking. Registration rejects:
// patterns that do not compile, patterns over 256 bytes, more than 16
// quantifiers, quantified groups that themselves contain quantifiers, and
// quantified alternations with overlapping branches.
func CompileMatcher(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, apierr.ValidationField("matcher_empty", "matcher must not be empty", "matcher")
	}
	if len(pattern) > maxPatternLen {
		return nil, apierr.ValidationField("matcher_too_long",
			fmt.Sprintf("matcher exceeds %d bytes", maxPatternLen), "matcher")
	}

	tree, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil, apierr.ValidationField("matcher_invalid",
			"matcher is not a valid regular expression", "matcher").WithCause(err)
	}
	if n := countQuantifiers(tree); n > maxQuantifiers {
		return nil, apierr.ValidationField("matcher_too_complex",
			fmt.Sprintf("matcher has %d quantifiers, limit is %d", n, maxQuantifiers), "matcher")
	}
	if hasNestedQuantifier(tree, false) {
		return nil, apierr.ValidationField("matcher_too_complex",
			"matcher nests a quantifier inside a quantified group", "matcher")
	}
	if hasOverlappingQuantifiedAlt(tree, false) {
		return nil, apierr.ValidationField("matcher_too_complex",
			"matcher quantifies an alternation with overlapping branches", "matcher")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apierr.ValidationField("matcher_invalid",
			"matcher is not a valid regular expression", "matcher").WithCause(err)
	}
	return re, nil
}

func isQuantifier(op syntax.Op) bool {
	switch op {
	case syntax.OpStar, syntax.OpPlus, syntax.OpQuest, syntax.OpRepeat:
		return true
	}
	return false
}

func countQuantifiers(re *syntax.Regexp) int {
	n := 0
	if isQuantifier(re.Op) {
		n++
	}
	for _, sub := range re.Sub {
		n += countQuantifiers(sub)
	}
	return n
}

// hasNestedQuantifier walks the parse tree tracking whether we are already
// inside a quantified subexpression; a second quantifier below one is the
// (a+)+ shape.
func hasNestedQuantifier(re *syntax.Regexp, quantified bool) bool {
	if isQuantifier(re.Op) {
		if quantified {
			return true
		}
		quantified = true
	}
	for _, sub := range re.Sub {
		if hasNestedQuantifier(sub, quantified) {
			return true
		}
	}
	return false
}

// hasOverlappingQuantifiedAlt flags (a|ab)+ shapes. The parser factors
// common branch prefixes before we see the tree — "a|ab" arrives as
// "a(?:(?:)|b)" — so an overlap shows up as an alternation with an
// empty-matchable branch under the quantifier. Unfactored overlaps are
// caught by the literal-prefix comparison.
func hasOverlappingQuantifiedAlt(re *syntax.Regexp, quantified bool) bool {
	if isQuantifier(re.Op) {
		quantified = true
	}
	if re.Op == syntax.OpAlternate && quantified {
		if branchesOverlap(re.Sub) {
			return true
		}
		for _, b := range re.Sub {
			if matchesEmpty(b) {
				return true
			}
		}
	}
	for _, sub := range re.Sub {
		if hasOverlappingQuantifiedAlt(sub, quantified) {
			return true
		}
	}
	return false
}

// matchesEmpty reports whether re can match the empty string.
func matchesEmpty(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpEmptyMatch, syntax.OpStar, syntax.OpQuest:
		return true
	case syntax.OpPlus, syntax.OpCapture:
		return matchesEmpty(re.Sub[0])
	case syntax.OpRepeat:
		return re.Min == 0 || matchesEmpty(re.Sub[0])
	case syntax.OpConcat:
		for _, sub := range re.Sub {
			if !matchesEmpty(sub) {
				return false
			}
		}
		return true
	case syntax.OpAlternate:
		for _, sub := range re.Sub {
			if matchesEmpty(sub) {
				return true
			}
		}
	}
	return false
}

func branchesOverlap(branches []*syntax.Regexp) bool {
	prefixes := make([]string, len(branches))
	for i, b := range branches {
		prefixes[i] = literalPrefix(b)
	}
	for i := range prefixes {
		for j := range prefixes {
			if i == j || prefixes[i] == "" || prefixes[j] == "" {
				continue
			}
			if len(prefixes[i]) <= len(prefixes[j]) && prefixes[j][:len(prefixes[i])] == prefixes[i] {
				return true
			}
		}
	}
	return false
}

func literalPrefix(re *syntax.Regexp) string {
	switch re.Op {
	case syntax.OpLiteral:
		return string(re.Rune)
	case syntax.OpConcat:
		if len(re.Sub) > 0 {
			return literalPrefix(re.Sub[0])
		}
	case syntax.OpCapture:
		if len(re.Sub) == 1 {
			return literalPrefix(re.Sub[0])
		}
	}
	return ""
}
