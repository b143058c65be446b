package rules

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"cdpwebreq/pkg/model"
)

// URLFilter 声明式请求匹配器中的 url 过滤属性，全部属性需同时满足
type URLFilter struct {
	HostEquals   string
	HostPrefix   string
	HostSuffix   string
	HostContains string
	PathPrefix   string
	PathSuffix   string
	PathContains string
	URLEquals    string
	URLPrefix    string
	URLSuffix    string
	URLContains  string
	URLMatches   string
	Schemes      []string

	re *regexp.Regexp
}

// Compile 编译正则属性
func (f *URLFilter) Compile() error {
	if f.URLMatches == "" {
		return nil
	}
	re, err := regexp.Compile(f.URLMatches)
	if err != nil {
		return fmt.Errorf("%w: urlMatches: %v", ErrInvalidCondition, err)
	}
	f.re = re
	return nil
}

func (f *URLFilter) Match(d *model.Details) bool {
	u, err := url.Parse(d.URL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	checks := []struct {
		want string
		ok   func(string) bool
	}{
		{f.HostEquals, func(w string) bool { return host == strings.ToLower(w) }},
		{f.HostPrefix, func(w string) bool { return strings.HasPrefix(host, strings.ToLower(w)) }},
		{f.HostSuffix, func(w string) bool { return hostHasSuffix(host, strings.ToLower(w)) }},
		{f.HostContains, func(w string) bool { return strings.Contains(host, strings.ToLower(w)) }},
		{f.PathPrefix, func(w string) bool { return strings.HasPrefix(u.Path, w) }},
		{f.PathSuffix, func(w string) bool { return strings.HasSuffix(u.Path, w) }},
		{f.PathContains, func(w string) bool { return strings.Contains(u.Path, w) }},
		{f.URLEquals, func(w string) bool { return d.URL == w }},
		{f.URLPrefix, func(w string) bool { return strings.HasPrefix(d.URL, w) }},
		{f.URLSuffix, func(w string) bool { return strings.HasSuffix(d.URL, w) }},
		{f.URLContains, func(w string) bool { return strings.Contains(d.URL, w) }},
	}
	for _, c := range checks {
		if c.want != "" && !c.ok(c.want) {
			return false
		}
	}
	if f.re != nil && !f.re.MatchString(d.URL) {
		return false
	}
	if len(f.Schemes) > 0 {
		found := false
		for _, s := range f.Schemes {
			if strings.EqualFold(s, u.Scheme) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// hostHasSuffix 按标签边界匹配后缀，"ads.test" 命中 "x.ads.test" 但不命中 "badads.test"
func hostHasSuffix(host, suffix string) bool {
	suffix = strings.TrimPrefix(suffix, ".")
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}
