package intercept

import (
	"net/url"
	"strings"
	"sync"
)

// Trust 站点的证书信任级别
type Trust int

const (
	TrustUnknown Trust = iota
	TrustUntrusted
	TrustTrusted
	TrustExtended
)

func (t Trust) String() string {
	switch t {
	case TrustUntrusted:
		return "untrusted"
	case TrustTrusted:
		return "trusted"
	case TrustExtended:
		return "extended-validation"
	default:
		return "unknown"
	}
}

// AuthDecision 认证质询的处理方式
type AuthDecision int

const (
	AuthDefault AuthDecision = iota
	AuthCancel
)

// AuthCache 进程生命周期内按主机记录最近一次的信任级别
type AuthCache struct {
	mu    sync.RWMutex
	hosts map[string]Trust
}

func NewAuthCache() *AuthCache {
	return &AuthCache{hosts: make(map[string]Trust)}
}

// Record 记录主机的信任级别
func (c *AuthCache) Record(host string, t Trust) {
	host = normalizeHost(host)
	if host == "" {
		return
	}
	c.mu.Lock()
	c.hosts[host] = t
	c.mu.Unlock()
}

// Lookup 精确匹配失败时逐级去掉最左侧标签回退，至二级域名为止
func (c *AuthCache) Lookup(host string) (Trust, bool) {
	host = normalizeHost(host)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for h := host; h != ""; {
		if t, ok := c.hosts[h]; ok {
			return t, true
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
		if !strings.Contains(h, ".") {
			break
		}
	}
	return TrustUnknown, false
}

// ResolveChallenge 已知不受信任的站点直接取消，其余交由浏览器默认处理
func (c *AuthCache) ResolveChallenge(origin string) AuthDecision {
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	if t, ok := c.Lookup(host); ok && t == TrustUntrusted {
		return AuthCancel
	}
	return AuthDefault
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}
