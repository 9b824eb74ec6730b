package api

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/config"
)

const redacted = "******"

// getConfig 当前生效的配置，连接串中的凭据被隐藏
func (s *Server) getConfig(c *gin.Context) {
	if s.deps.Config == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "配置未加载"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": redactConfig(s.deps.Config)})
}

// redactConfig 返回隐藏凭据后的副本
func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	if cfg.Storage != nil {
		storageCopy := *cfg.Storage
		if cfg.Storage.Postgres != nil {
			pg := *cfg.Storage.Postgres
			pg.DSN = redactDSN(pg.DSN)
			storageCopy.Postgres = &pg
		}
		out.Storage = &storageCopy
	}
	if len(cfg.Chains) > 0 {
		out.Chains = make([]*config.ChainConfig, 0, len(cfg.Chains))
		for _, chain := range cfg.Chains {
			cc := *chain
			cc.RPCURL = redactDSN(cc.RPCURL)
			out.Chains = append(out.Chains, &cc)
		}
	}
	return &out
}

// redactDSN 隐藏 URL 中的密码；RPC 地址的路径常带 API key，一并隐藏
func redactDSN(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	if u.Path != "" && u.Path != "/" && u.Scheme != "postgres" && u.Scheme != "postgresql" {
		u.Path = "/" + redacted
	}
	u.RawQuery = ""
	return u.String()
}
