// Copyright 2022 The cbmm Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements the declarative filter rule model and its
// line-oriented text format. A filter table is a sequence of records
//
//     policy,section,benefit[,quantity,operator,value]*\n
//
// for example "huge,mmap,0x2000,len,>,2097152". Values accept the
// same bases as strconv.ParseUint with base 0 (42, 0x2a, 052).

package cbmm

import (
	"fmt"
	"strconv"
	"strings"
)

// PagePolicy selects which interval profile store a filter rule feeds.
type PagePolicy int

const (
	// PolicyHugePage feeds the large-page store.
	PolicyHugePage PagePolicy = iota
	// PolicyEagerPage feeds the eager-paging store.
	PolicyEagerPage
)

// MemorySection is the section of a process address space a new
// mapping belongs to.
type MemorySection int

const (
	SectionCode MemorySection = iota
	SectionData
	SectionHeap
	SectionMmap
)

// Comparator is the operator of a filter comparison.
type Comparator int

const (
	CompEquals Comparator = iota
	CompGreaterThan
	CompLessThan
)

// Quantity is the property of a new mapping a comparison constrains.
// QuantSectionOff and QuantAddr constrain a sub-range of the mapping
// by address and are the only quantities that can split a range; the
// rest compare scalar properties of the whole mapping.
type Quantity int

const (
	QuantSectionOff Quantity = iota
	QuantAddr
	QuantLen
	QuantProt
	QuantFlags
	QuantFD
	QuantOff
)

// Comparison is a single predicate of a filter rule.
type Comparison struct {
	Quant Quantity
	Comp  Comparator
	Value uint64
}

// FilterRule assigns a benefit to mappings of a memory section that
// pass all of its comparisons. Rules are matched in insertion order
// and the first full match wins.
type FilterRule struct {
	Policy      PagePolicy
	Section     MemorySection
	Benefit     uint64
	Comparisons []Comparison
}

// String returns the policy token used in filter records.
func (p PagePolicy) String() string {
	switch p {
	case PolicyHugePage:
		return "huge"
	case PolicyEagerPage:
		return "eager"
	}
	log.Panicf("invalid page policy %d", int(p))
	return ""
}

// String returns the section token used in filter records.
func (s MemorySection) String() string {
	switch s {
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionHeap:
		return "heap"
	case SectionMmap:
		return "mmap"
	}
	log.Panicf("invalid memory section %d", int(s))
	return ""
}

// String returns the comparator token used in filter records.
func (c Comparator) String() string {
	switch c {
	case CompEquals:
		return "="
	case CompGreaterThan:
		return ">"
	case CompLessThan:
		return "<"
	}
	log.Panicf("invalid comparator %d", int(c))
	return ""
}

// String returns the quantity token used in filter records.
func (q Quantity) String() string {
	switch q {
	case QuantSectionOff:
		return "section_off"
	case QuantAddr:
		return "addr"
	case QuantLen:
		return "len"
	case QuantProt:
		return "prot"
	case QuantFlags:
		return "flags"
	case QuantFD:
		return "fd"
	case QuantOff:
		return "off"
	}
	log.Panicf("invalid quantity %d", int(q))
	return ""
}

// ParsePagePolicy parses a policy token.
func ParsePagePolicy(s string) (PagePolicy, error) {
	switch s {
	case "huge":
		return PolicyHugePage, nil
	case "eager":
		return PolicyEagerPage, nil
	}
	return 0, fmt.Errorf("bad policy %q: %w", s, ErrInvalidInput)
}

// ParseMemorySection parses a section token.
func ParseMemorySection(s string) (MemorySection, error) {
	switch s {
	case "code":
		return SectionCode, nil
	case "data":
		return SectionData, nil
	case "heap":
		return SectionHeap, nil
	case "mmap":
		return SectionMmap, nil
	}
	return 0, fmt.Errorf("bad section %q: %w", s, ErrInvalidInput)
}

// ParseComparator parses a comparator token.
func ParseComparator(s string) (Comparator, error) {
	switch s {
	case "=":
		return CompEquals, nil
	case ">":
		return CompGreaterThan, nil
	case "<":
		return CompLessThan, nil
	}
	return 0, fmt.Errorf("bad comparator %q: %w", s, ErrInvalidInput)
}

// ParseQuantity parses a quantity token.
func ParseQuantity(s string) (Quantity, error) {
	switch s {
	case "section_off":
		return QuantSectionOff, nil
	case "addr":
		return QuantAddr, nil
	case "len":
		return QuantLen, nil
	case "prot":
		return QuantProt, nil
	case "flags":
		return QuantFlags, nil
	case "fd":
		return QuantFD, nil
	case "off":
		return QuantOff, nil
	}
	return 0, fmt.Errorf("bad quantity %q: %w", s, ErrInvalidInput)
}

// Matches evaluates the comparison against a scalar value.
func (c *Comparison) Matches(val uint64) bool {
	switch c.Comp {
	case CompEquals:
		return val == c.Value
	case CompGreaterThan:
		return val > c.Value
	case CompLessThan:
		return val < c.Value
	}
	log.Panicf("invalid comparator %d", int(c.Comp))
	return false
}

// IsAddressConstraint returns true for the quantities that constrain
// a sub-range of the mapping instead of a scalar property.
func (c *Comparison) IsAddressConstraint() bool {
	return c.Quant == QuantSectionOff || c.Quant == QuantAddr
}

// Clone returns a deep copy of the rule.
func (f *FilterRule) Clone() *FilterRule {
	clone := &FilterRule{
		Policy:  f.Policy,
		Section: f.Section,
		Benefit: f.Benefit,
	}
	clone.Comparisons = append([]Comparison(nil), f.Comparisons...)
	return clone
}

// String returns the rule as a filter table record without the
// trailing newline, benefit and values in hex as in the table dump.
func (f *FilterRule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s,%s,0x%x", f.Policy, f.Section, f.Benefit)
	for _, c := range f.Comparisons {
		fmt.Fprintf(&b, ",%s,%s,0x%x", c.Quant, c.Comp, c.Value)
	}
	return b.String()
}

// trackedBytes returns the allocation bookkeeping size of the rule.
func (f *FilterRule) trackedBytes() int64 {
	return filterRuleBytes + int64(len(f.Comparisons))*comparisonBytes
}

// ParseFilterRule parses one comma-separated filter record.
func ParseFilterRule(record string) (*FilterRule, error) {
	fields := strings.Split(record, ",")
	if len(fields) < 3 {
		return nil, fmt.Errorf("filter record %q: expected policy,section,benefit: %w", record, ErrInvalidInput)
	}
	policy, err := ParsePagePolicy(fields[0])
	if err != nil {
		return nil, err
	}
	section, err := ParseMemorySection(fields[1])
	if err != nil {
		return nil, err
	}
	benefit, err := strconv.ParseUint(fields[2], 0, 64)
	if err != nil {
		return nil, fmt.Errorf("bad benefit %q: %w", fields[2], ErrInvalidInput)
	}
	rule := &FilterRule{
		Policy:  policy,
		Section: section,
		Benefit: benefit,
	}
	rest := fields[3:]
	if len(rest)%3 != 0 {
		return nil, fmt.Errorf("filter record %q: truncated comparison: %w", record, ErrInvalidInput)
	}
	for i := 0; i < len(rest); i += 3 {
		quant, err := ParseQuantity(rest[i])
		if err != nil {
			return nil, err
		}
		comp, err := ParseComparator(rest[i+1])
		if err != nil {
			return nil, err
		}
		value, err := strconv.ParseUint(rest[i+2], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad comparison value %q: %w", rest[i+2], ErrInvalidInput)
		}
		rule.Comparisons = append(rule.Comparisons, Comparison{
			Quant: quant,
			Comp:  comp,
			Value: value,
		})
	}
	return rule, nil
}

// ParseFilterTable parses newline-terminated filter records from
// text. Writers may deliver the table in pieces that end in the
// middle of a record, so parsing a broken trailing record is not an
// error as long as at least one complete record parsed: the returned
// byte count tells the caller how much input was consumed, and the
// rest should be resubmitted. Zero complete records is an error.
func ParseFilterTable(text string) ([]*FilterRule, int, error) {
	rules := []*FilterRule{}
	consumed := 0
	for {
		nl := strings.IndexByte(text[consumed:], '\n')
		if nl < 0 {
			break
		}
		record := text[consumed : consumed+nl]
		if record == "" {
			break
		}
		rule, err := ParseFilterRule(record)
		if err != nil {
			if len(rules) == 0 {
				return nil, 0, err
			}
			break
		}
		rules = append(rules, rule)
		consumed += nl + 1
	}
	if len(rules) == 0 {
		return nil, 0, fmt.Errorf("no complete filter records: %w", ErrInvalidInput)
	}
	return rules, consumed, nil
}

// FilterTableString renders rules as a CSV filter table with a
// header, capped to maxLen with a filterBufDeadZone safety margin.
func FilterTableString(rules []*FilterRule, maxLen int) string {
	var b strings.Builder
	b.WriteString("POLICY,SECTION,MISSES,CONSTRAINTS...\n")
	for _, rule := range rules {
		if b.Len() > maxLen-filterBufDeadZone {
			break
		}
		b.WriteString(rule.String())
		b.WriteByte('\n')
	}
	return b.String()
}
