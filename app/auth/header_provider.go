package auth

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// uploadTokenTTL 上传令牌有效期
	uploadTokenTTL = 5 * time.Minute
	// headerCacheTTL 认证头缓存时间，略短于令牌有效期
	headerCacheTTL = 4 * time.Minute
)

// HeaderProvider 为上传目的地铸造认证头的能力实现。
// 同一 (method, url) 的认证头带 TTL 缓存，避免每次尝试都重新签名。
type HeaderProvider struct {
	jwt   *JWTService
	cache *gocache.Cache
}

// NewHeaderProvider 创建认证头提供者
func NewHeaderProvider(jwtService *JWTService) *HeaderProvider {
	return &HeaderProvider{
		jwt:   jwtService,
		cache: gocache.New(headerCacheTTL, 10*time.Minute),
	}
}

// CreateAuthHeader 为指定请求铸造 Bearer 认证头
func (p *HeaderProvider) CreateAuthHeader(url, method string) (string, error) {
	key := method + " " + url
	if cached, found := p.cache.Get(key); found {
		return cached.(string), nil
	}

	token, err := p.jwt.GenerateUploadToken(url, method, uploadTokenTTL)
	if err != nil {
		return "", err
	}

	header := "Bearer " + token
	p.cache.Set(key, header, gocache.DefaultExpiration)
	return header, nil
}
