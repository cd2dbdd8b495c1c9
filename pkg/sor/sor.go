// Package sor implements the System-of-Record Client of spec.md §4.5 (C5):
// reads and writes against the collaboration platform's list items. The
// spec's own field-naming convention ("Due_x0020_Date_x0020_UTC") is the
// SharePoint Online REST list-items encoding of a space in an internal
// field name, so this client targets that API shape over go-resty/resty,
// with tidwall/gjson and tidwall/sjson doing the logical<->physical field
// name translation dynamically rather than through generated DTOs.
package sor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jony/taskchaser/internal/chasererr"
)

// notIndexedHint is the substring spec.md §4.5 defines as the signal to
// retry a read once with the honor-non-indexed-queries header.
const notIndexedHint = "not indexed"

// StatusAndDue is the result of GetStatusAndDueUtc.
type StatusAndDue struct {
	Status     string
	DueDateUtc *time.Time
}

// Client talks to the collaboration platform's list-items REST surface.
type Client struct {
	http     *resty.Client
	siteUrl  string
	fieldMap map[string]string
}

// New constructs a Client. siteUrl is the SharePoint site base
// (e.g. "https://contoso.sharepoint.com/sites/ops"). fieldMap is the
// logical->physical field name map of spec.md §6
// (SharePointFieldMappings.Map); a logical name absent from the map is
// used verbatim as the physical name.
func New(httpClient *resty.Client, siteUrl string, fieldMap map[string]string) *Client {
	if httpClient == nil {
		httpClient = resty.New().SetTimeout(15 * time.Second)
	}
	return &Client{http: httpClient, siteUrl: strings.TrimRight(siteUrl, "/"), fieldMap: fieldMap}
}

func (c *Client) physicalName(logical string) string {
	if mapped, ok := c.fieldMap[logical]; ok {
		return mapped
	}
	return logical
}

func (c *Client) itemUrl(listId, itemId string) string {
	return fmt.Sprintf("%s/_api/web/lists(guid'%s')/items(%s)", c.siteUrl, listId, itemId)
}

// GetStatusAndDueUtc reads the Status and DueDateUtc fields of itemId.
// Returns (nil, nil) when the item no longer exists (spec.md §4.5: "none
// if the item is gone").
func (c *Client) GetStatusAndDueUtc(ctx context.Context, listId, itemId string) (*StatusAndDue, error) {
	statusField := c.physicalName("Status")
	dueField := c.physicalName("DueDateUtc")

	selectClause := fmt.Sprintf("$select=%s,%s", statusField, dueField)
	url := fmt.Sprintf("%s?%s", c.itemUrl(listId, itemId), selectClause)

	resp, err := c.http.R().SetContext(ctx).SetHeader("Accept", "application/json;odata=nometadata").Get(url)
	if err != nil {
		return nil, chasererr.New(chasererr.KindTransient, "sor.GetStatusAndDueUtc", err)
	}

	if resp.StatusCode() == http.StatusBadRequest && strings.Contains(strings.ToLower(resp.String()), notIndexedHint) {
		resp, err = c.http.R().SetContext(ctx).
			SetHeader("Accept", "application/json;odata=nometadata").
			SetHeader("Prefer", "HonorNonIndexedQueriesWarningMayFailRandomly").
			Get(url)
		if err != nil {
			return nil, chasererr.New(chasererr.KindTransient, "sor.GetStatusAndDueUtc", err)
		}
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, chasererr.New(chasererr.KindAuth, "sor.GetStatusAndDueUtc", fmt.Errorf("status %d", resp.StatusCode()))
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, chasererr.New(chasererr.KindTransient, "sor.GetStatusAndDueUtc", fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), resp.String()))
	}

	body := resp.String()
	result := &StatusAndDue{Status: gjson.Get(body, statusField).String()}

	if due := gjson.Get(body, dueField); due.Exists() && due.String() != "" {
		if parsed, err := time.Parse(time.RFC3339, due.String()); err == nil {
			utc := parsed.UTC()
			result.DueDateUtc = &utc
		}
	}

	return result, nil
}

// UpdateChaserFields sets Important, optionally increments ChaseCount, and
// sets NextChaseAtUtc (spec.md §4.5). Writes never retry on the
// "not indexed" hint. When incrementChase is set, the current ChaseCount
// is read back first since the platform's REST surface has no atomic
// increment verb.
func (c *Client) UpdateChaserFields(ctx context.Context, listId, itemId string, important, incrementChase bool, nextChaseAtUtc time.Time) error {
	body := "{}"
	var err error

	body, err = sjson.Set(body, c.physicalName("Important"), important)
	if err != nil {
		return chasererr.New(chasererr.KindUnknown, "sor.UpdateChaserFields", err)
	}
	body, err = sjson.Set(body, c.physicalName("NextChaseAtUtc"), nextChaseAtUtc.UTC().Format(time.RFC3339))
	if err != nil {
		return chasererr.New(chasererr.KindUnknown, "sor.UpdateChaserFields", err)
	}
	if incrementChase {
		current, err := c.currentChaseCount(ctx, listId, itemId)
		if err != nil {
			return err
		}
		body, err = sjson.Set(body, c.physicalName("ChaseCount"), current+1)
		if err != nil {
			return chasererr.New(chasererr.KindUnknown, "sor.UpdateChaserFields", err)
		}
	}

	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json;odata=nometadata").
		SetHeader("X-HTTP-Method", "MERGE").
		SetHeader("If-Match", "*").
		SetBody(body).
		Post(c.itemUrl(listId, itemId))
	if err != nil {
		return chasererr.New(chasererr.KindTransient, "sor.UpdateChaserFields", err)
	}

	return classifyWriteStatus(resp.StatusCode(), resp.String(), "sor.UpdateChaserFields")
}

// MarkCompleted sets the status to Completed and records the acknowledger.
// Idempotent: against an already-Completed item it writes nothing and
// returns a chasererr.KindAlreadyDone error, which callers treat as success.
func (c *Client) MarkCompleted(ctx context.Context, listId, itemId, ackByName, ackByEmailOrUpn string) error {
	existing, err := c.GetStatusAndDueUtc(ctx, listId, itemId)
	if err != nil {
		return err
	}
	if existing != nil && strings.EqualFold(existing.Status, "Completed") {
		return chasererr.New(chasererr.KindAlreadyDone, "sor.MarkCompleted", nil)
	}

	body := "{}"
	body, _ = sjson.Set(body, c.physicalName("Status"), "Completed")
	body, _ = sjson.Set(body, c.physicalName("AcknowledgedByName"), ackByName)
	body, _ = sjson.Set(body, c.physicalName("AcknowledgedByUpn"), ackByEmailOrUpn)

	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json;odata=nometadata").
		SetHeader("X-HTTP-Method", "MERGE").
		SetHeader("If-Match", "*").
		SetBody(body).
		Post(c.itemUrl(listId, itemId))
	if err != nil {
		return chasererr.New(chasererr.KindTransient, "sor.MarkCompleted", err)
	}

	return classifyWriteStatus(resp.StatusCode(), resp.String(), "sor.MarkCompleted")
}

func (c *Client) currentChaseCount(ctx context.Context, listId, itemId string) (int, error) {
	field := c.physicalName("ChaseCount")
	url := fmt.Sprintf("%s?$select=%s", c.itemUrl(listId, itemId), field)

	resp, err := c.http.R().SetContext(ctx).SetHeader("Accept", "application/json;odata=nometadata").Get(url)
	if err != nil {
		return 0, chasererr.New(chasererr.KindTransient, "sor.currentChaseCount", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return 0, chasererr.New(chasererr.KindTransient, "sor.currentChaseCount", fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), resp.String()))
	}
	return int(gjson.Get(resp.String(), field).Int()), nil
}

func classifyWriteStatus(status int, body, op string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return chasererr.New(chasererr.KindAuth, op, fmt.Errorf("status %d", status))
	default:
		return chasererr.New(chasererr.KindTransient, op, fmt.Errorf("unexpected status %d: %s", status, body))
	}
}
