// Package cpaneltest provides ghttp handlers that impersonate the cPanel
// API2 ZoneEdit module.
package cpaneltest

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/onsi/gomega/ghttp"

	"github.com/0xfelix/cpanel-dns01-hook/pkg/cpanel"
)

const (
	Username = "cpuser"
	Token    = "CPANELAPITOKEN0123456789" //#nosec G101
	ZoneName = "example.com"

	ApexRecordName    = "_acme-challenge"
	SubRecordName     = "_acme-challenge.www"
	SubDomain         = "www.example.com"
	ApexRecordNameAbs = "_acme-challenge.example.com."
	SubRecordNameAbs  = "_acme-challenge.www.example.com."
	SPFRecordNameAbs  = "example.com."

	DefaultTTL   = 60
	TXTValue     = "abc123"
	SubTXTValue  = "xyz789"
	WildTXTValue = "wild456"
	SPFValue     = "v=spf1 +a +mx ~all"

	SPFLine  = 12
	ApexLine = 27
	SubLine  = 28
	WildLine = 29
)

// Records returns a zone snapshot holding an unrelated SPF record and both
// challenge records.
func Records() []cpanel.Record {
	return []cpanel.Record{
		{Line: SPFLine, Name: SPFRecordNameAbs, Type: cpanel.RecordTypeTXT, TXTData: SPFValue, TTL: 14400},
		{Line: ApexLine, Name: ApexRecordNameAbs, Type: cpanel.RecordTypeTXT, TXTData: TXTValue, TTL: DefaultTTL},
		{Line: SubLine, Name: SubRecordNameAbs, Type: cpanel.RecordTypeTXT, TXTData: SubTXTValue, TTL: DefaultTTL},
	}
}

// WildcardRecords returns Records plus the challenge record of
// *.example.com, which shares its name with the apex one.
func WildcardRecords() []cpanel.Record {
	return append(Records(), cpanel.Record{
		Line: WildLine, Name: ApexRecordNameAbs, Type: cpanel.RecordTypeTXT, TXTData: WildTXTValue, TTL: DefaultTTL,
	})
}

func envelope(fn string, data any) map[string]any {
	return map[string]any{
		"cpanelresult": map[string]any{
			"apiversion": 2,
			"module":     "ZoneEdit",
			"func":       fn,
			"event":      map[string]any{"result": 1},
			"data":       data,
		},
	}
}

func okStatus() []cpanel.Status {
	return []cpanel.Status{{Result: cpanel.StatusResult{Status: 1, StatusMsg: "Bind reloading on example.com"}}}
}

func verify(token, fn string, params url.Values) http.HandlerFunc {
	return ghttp.CombineHandlers(
		ghttp.VerifyRequest(http.MethodGet, cpanel.APIPath, cpanel.Query(Username, fn, params).Encode()),
		ghttp.VerifyHeader(http.Header{
			"Authorization": []string{cpanel.AuthHeader(Username, token)},
		}),
	)
}

func FetchParams() url.Values {
	return url.Values{
		"domain": []string{ZoneName},
		"type":   []string{cpanel.RecordTypeTXT},
	}
}

func AddParams(name, value string, ttl int) url.Values {
	return url.Values{
		"domain":  []string{ZoneName},
		"name":    []string{name},
		"type":    []string{cpanel.RecordTypeTXT},
		"txtdata": []string{value},
		"ttl":     []string{strconv.Itoa(ttl)},
	}
}

func RemoveParams(line int) url.Values {
	return url.Values{
		"domain": []string{ZoneName},
		"line":   []string{strconv.Itoa(line)},
	}
}

func FetchZoneRecords(token string, records []cpanel.Record) http.HandlerFunc {
	if records == nil {
		records = []cpanel.Record{}
	}
	return ghttp.CombineHandlers(
		verify(token, cpanel.FuncFetchZoneRecords, FetchParams()),
		ghttp.RespondWithJSONEncoded(http.StatusOK, envelope(cpanel.FuncFetchZoneRecords, records)),
	)
}

func AddZoneRecord(token, name, value string, ttl int) http.HandlerFunc {
	return ghttp.CombineHandlers(
		verify(token, cpanel.FuncAddZoneRecord, AddParams(name, value, ttl)),
		ghttp.RespondWithJSONEncoded(http.StatusOK, envelope(cpanel.FuncAddZoneRecord, okStatus())),
	)
}

func RemoveZoneRecord(token string, line int) http.HandlerFunc {
	return ghttp.CombineHandlers(
		verify(token, cpanel.FuncRemoveZoneRecord, RemoveParams(line)),
		ghttp.RespondWithJSONEncoded(http.StatusOK, envelope(cpanel.FuncRemoveZoneRecord, okStatus())),
	)
}

// Failed answers any call with HTTP 200 and an envelope level error, the
// way cPanel reports permission and validation problems.
func Failed(fn, message string) http.HandlerFunc {
	return ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
		"cpanelresult": map[string]any{
			"apiversion": 2,
			"func":       fn,
			"event":      map[string]any{"result": 0, "reason": message},
			"error":      message,
			"data":       []any{},
		},
	})
}

// StatusFailed answers a mutating call with status 0 inside a successful
// envelope.
func StatusFailed(fn, message string) http.HandlerFunc {
	return ghttp.RespondWithJSONEncoded(http.StatusOK, envelope(fn, []cpanel.Status{
		{Result: cpanel.StatusResult{Status: 0, StatusMsg: message}},
	}))
}
