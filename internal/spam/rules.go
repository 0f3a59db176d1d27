// Copyright (c) 2026 John Earle
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

package spam

import "regexp"

// rule is one entry of the ordered pattern scan.
type rule struct {
	name  string
	match func(text string) bool
}

func regexpRule(name string, re *regexp.Regexp) rule {
	return rule{name: name, match: re.MatchString}
}

// DefaultForbiddenWords returns the baseline word list. Matching is a
// case-insensitive substring search.
func DefaultForbiddenWords() []string {
	return []string{
		"casino",
		"gambling",
		"porn",
		"xxx",
		"adult content",
		"nude",
		"sex video",
	}
}

var urlToken = regexp.MustCompile(`(?i)(https?://|www\.)\S+`)

// defaultRules returns the baseline pattern scan in evaluation order.
func defaultRules() []rule {
	return []rule{
		{name: "excessive_urls", match: func(text string) bool {
			return len(urlToken.FindAllStringIndex(text, 3)) >= 3
		}},
		regexpRule("spam_phrases", regexp.MustCompile(`(?i)\b(buy now|click here|act now|limited time|free money|lottery winner|you have won|congratulations you|dear friend|make money fast|work from home opportunity|double your|triple your|investment opportunity|nigerian prince|wire transfer|western union)\b`)),
		regexpRule("caps_run", regexp.MustCompile(`[A-Z][A-Z\s]{28,}[A-Z]`)),
		regexpRule("crypto", regexp.MustCompile(`(?i)\b(bitcoin|crypto|btc|ethereum|wallet address|blockchain opportunity|trading bot|forex|binary options)\b`)),
		regexpRule("pharma", regexp.MustCompile(`(?i)\b(viagra|cialis|pharmacy|prescription|pills|meds online|cheap medications)\b`)),
		regexpRule("seo", regexp.MustCompile(`(?i)\b(seo services|link building|backlinks|google ranking|first page|search engine optimization)\b`)),
		regexpRule("bulk_domains", regexp.MustCompile(`(?i)@(mail\.ru|yandex\.|qq\.com|163\.com|126\.com)`)),
		regexpRule("punctuation_run", regexp.MustCompile(`[!$%]{5,}`)),
		regexpRule("script_injection", regexp.MustCompile(`(?i)<script|<iframe|javascript:|onclick|onerror`)),
		{name: "repeated_chars", match: func(text string) bool {
			return hasRepeatedRun(text, 8)
		}},
	}
}

// hasRepeatedRun reports whether any rune repeats n or more times in a row.
// RE2 has no back-references, so this replaces `(.)\1{7,}`.
func hasRepeatedRun(text string, n int) bool {
	var prev rune
	count := 0
	for i, r := range text {
		if i > 0 && r == prev {
			count++
		} else {
			count = 1
		}
		if count >= n {
			return true
		}
		prev = r
	}
	return false
}
