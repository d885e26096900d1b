package opensearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	applog "datakit/internal/platform/log"
)

// CreateIndex 创建索引。索引已存在视作成功并返回 true。
func (c *Client) CreateIndex(ctx context.Context, index string, settings *IndexSettings, mappings *IndexMappings) (bool, error) {
	if err := ValidateIndexName(c.cfg.IndexName(index)); err != nil {
		return false, err
	}

	body := map[string]any{}
	if settings == nil {
		settings = &IndexSettings{}
	}
	body["settings"] = settings.asMap()
	if mappings != nil {
		body["mappings"] = mappings.asMap()
	}

	err := c.putJSON(ctx, "/"+c.cfg.IndexName(index), body, nil)
	if err != nil {
		if errors.Is(err, ErrResourceExists) {
			applog.Info("[Search] Index already exists", "index", index)
			return true, nil
		}
		return false, Wrap(err, fmt.Sprintf("create index %s", index))
	}
	applog.Info("[Search] Index created", "index", index)
	return true, nil
}

// DeleteIndex 删除索引。索引不存在视作成功。
func (c *Client) DeleteIndex(ctx context.Context, index string) (bool, error) {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/"+c.cfg.IndexName(index), nil)
	if err != nil {
		return false, Wrap(err, fmt.Sprintf("delete index %s", index))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		c.invalidateCache(ctx, index)
		applog.Info("[Search] Index deleted", "index", index)
		return true, nil
	case http.StatusNotFound:
		return true, nil
	default:
		return false, statusError(resp.StatusCode, string(body), fmt.Sprintf("delete index %s", index))
	}
}

// IndexExists 判断索引是否存在。
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	resp, err := c.doRequest(ctx, http.MethodHead, "/"+c.cfg.IndexName(index), nil)
	if err != nil {
		return false, Wrap(err, fmt.Sprintf("check index %s", index))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp.StatusCode, "", fmt.Sprintf("check index %s", index))
	}
}

// RefreshIndex 刷新索引，让最近的写入对搜索可见。
func (c *Client) RefreshIndex(ctx context.Context, index string) error {
	if err := c.postJSON(ctx, "/"+c.cfg.IndexName(index)+"/_refresh", nil, nil); err != nil {
		return Wrap(err, fmt.Sprintf("refresh index %s", index))
	}
	return nil
}

// FlushIndex 把内存段落盘。
func (c *Client) FlushIndex(ctx context.Context, index string) error {
	if err := c.postJSON(ctx, "/"+c.cfg.IndexName(index)+"/_flush", nil, nil); err != nil {
		return Wrap(err, fmt.Sprintf("flush index %s", index))
	}
	return nil
}

// OptimizeIndex 合并段以优化查询性能。
func (c *Client) OptimizeIndex(ctx context.Context, index string, maxSegments int) error {
	path := "/" + c.cfg.IndexName(index) + "/_forcemerge"
	if maxSegments > 0 {
		path += fmt.Sprintf("?max_num_segments=%d", maxSegments)
	}
	if err := c.postJSON(ctx, path, nil, nil); err != nil {
		return Wrap(err, fmt.Sprintf("optimize index %s", index))
	}
	applog.Info("[Search] Index optimized", "index", index)
	return nil
}

// CreateTimeSeriesIndex 按日期创建时序索引（name-2006.01.02），并挂到统一别名。
func (c *Client) CreateTimeSeriesIndex(ctx context.Context, base string, day time.Time, settings *IndexSettings, mappings *IndexMappings) (string, error) {
	name := fmt.Sprintf("%s-%s", base, day.UTC().Format("2006.01.02"))
	if _, err := c.CreateIndex(ctx, name, settings, mappings); err != nil {
		return "", err
	}
	if err := c.CreateAlias(ctx, name, base); err != nil {
		return "", err
	}
	return c.cfg.IndexName(name), nil
}

// CreateAlias 为索引添加别名。
func (c *Client) CreateAlias(ctx context.Context, index, alias string) error {
	body := map[string]any{
		"actions": []any{
			map[string]any{
				"add": map[string]any{
					"index": c.cfg.IndexName(index),
					"alias": c.cfg.IndexName(alias),
				},
			},
		},
	}
	if err := c.postJSON(ctx, "/_aliases", body, nil); err != nil {
		return Wrap(err, fmt.Sprintf("create alias %s -> %s", alias, index))
	}
	return nil
}

// Aliases 列出索引当前的别名。
func (c *Client) Aliases(ctx context.Context, index string) ([]string, error) {
	var raw map[string]struct {
		Aliases map[string]any `json:"aliases"`
	}
	if err := c.getJSON(ctx, "/"+c.cfg.IndexName(index)+"/_alias", &raw); err != nil {
		return nil, Wrap(err, fmt.Sprintf("list aliases of %s", index))
	}
	var out []string
	for _, entry := range raw {
		for alias := range entry.Aliases {
			out = append(out, alias)
		}
	}
	return out, nil
}

// Reindex 把文档从源索引复制到目标索引，返回复制条数。
func (c *Client) Reindex(ctx context.Context, source, dest string) (int64, error) {
	body := map[string]any{
		"source": map[string]any{"index": c.cfg.IndexName(source)},
		"dest":   map[string]any{"index": c.cfg.IndexName(dest)},
	}
	var raw struct {
		Total   int64 `json:"total"`
		Created int64 `json:"created"`
		Updated int64 `json:"updated"`
	}
	if err := c.postJSON(ctx, "/_reindex", body, &raw); err != nil {
		return 0, Wrap(err, fmt.Sprintf("reindex %s -> %s", source, dest))
	}
	applog.Info("[Search] Reindex finished", "source", source, "dest", dest, "total", raw.Total)
	return raw.Created + raw.Updated, nil
}

// IndexStats 索引统计信息。
func (c *Client) IndexStats(ctx context.Context, index string) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/"+c.cfg.IndexName(index)+"/_stats", &out); err != nil {
		return nil, Wrap(err, fmt.Sprintf("stats of index %s", index))
	}
	return out, nil
}
