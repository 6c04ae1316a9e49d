package phonebook

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/icholy/digest"
)

const (
	contactControlURL = "/upnp/control/x_contact"
	contactService    = "urn:dslforum-org:service:X_AVM-DE_OnTel:1"

	// maxResponseSize bounds how much of a single response is read.
	maxResponseSize = 8 << 20
)

// ClientOptions configures a TR-064 Client.
type ClientOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
	// Transport is the underlying round tripper; nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Client talks to the router's TR-064 contact service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a TR-064 client using HTTP digest authentication.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Client{
		baseURL: "http://" + net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &digest.Transport{
				Username:  opts.Username,
				Password:  opts.Password,
				Transport: opts.Transport,
			},
		},
	}
}

// PhonebookInfo is the result of GetPhonebook.
type PhonebookInfo struct {
	ID   int
	Name string
	URL  string
}

// ListPhonebooks returns the ids of all phonebooks on the router.
func (c *Client) ListPhonebooks(ctx context.Context) ([]int, error) {
	var resp struct {
		List string `xml:"Body>GetPhonebookListResponse>NewPhonebookList"`
	}
	if err := c.call(ctx, "GetPhonebookList", nil, &resp); err != nil {
		return nil, err
	}

	var ids []int
	for _, f := range strings.Split(resp.List, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fetchErr(ErrMalformed, "GetPhonebookList", fmt.Errorf("phonebook id %q: %w", f, err))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Phonebook returns the name and download URL of one phonebook.
func (c *Client) Phonebook(ctx context.Context, id int) (PhonebookInfo, error) {
	var resp struct {
		Name string `xml:"Body>GetPhonebookResponse>NewPhonebookName"`
		URL  string `xml:"Body>GetPhonebookResponse>NewPhonebookURL"`
	}
	args := [][2]string{{"NewPhonebookID", strconv.Itoa(id)}}
	if err := c.call(ctx, "GetPhonebook", args, &resp); err != nil {
		return PhonebookInfo{}, err
	}
	if resp.URL == "" {
		return PhonebookInfo{}, fetchErr(ErrMalformed, "GetPhonebook", fmt.Errorf("no URL for phonebook %d", id))
	}
	return PhonebookInfo{ID: id, Name: resp.Name, URL: resp.URL}, nil
}

// FetchEntries downloads phonebook id and returns its contacts.
func (c *Client) FetchEntries(ctx context.Context, id int) ([]Entry, error) {
	info, err := c.Phonebook(ctx, id)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, fetchErr(ErrMalformed, "download phonebook", err)
	}
	body, err := c.do(req, "download phonebook")
	if err != nil {
		return nil, err
	}

	entries, err := ParsePhonebookXML(body)
	if err != nil {
		return nil, fetchErr(ErrMalformed, "download phonebook", err)
	}
	return entries, nil
}

type phonebookXML struct {
	Phonebooks []struct {
		Contacts []struct {
			Category string `xml:"category"`
			RealName string `xml:"person>realName"`
			Numbers  []struct {
				Type   string `xml:"type,attr"`
				Number string `xml:",chardata"`
			} `xml:"telephony>number"`
		} `xml:"contact"`
	} `xml:"phonebook"`
}

// ParsePhonebookXML decodes the router's phonebook export format.
func ParsePhonebookXML(data []byte) ([]Entry, error) {
	var doc phonebookXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding phonebook XML: %w", err)
	}
	var entries []Entry
	for _, pb := range doc.Phonebooks {
		for _, ct := range pb.Contacts {
			e := Entry{
				Name: strings.TrimSpace(ct.RealName),
				VIP:  strings.TrimSpace(ct.Category) == "1",
			}
			for _, n := range ct.Numbers {
				if v := strings.TrimSpace(n.Number); v != "" {
					e.Numbers = append(e.Numbers, v)
				}
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (c *Client) call(ctx context.Context, action string, args [][2]string, out any) error {
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	body.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`)
	fmt.Fprintf(&body, `<u:%s xmlns:u="%s">`, action, contactService)
	for _, a := range args {
		fmt.Fprintf(&body, "<%s>", a[0])
		xml.EscapeText(&body, []byte(a[1]))
		fmt.Fprintf(&body, "</%s>", a[0])
	}
	fmt.Fprintf(&body, `</u:%s></s:Body></s:Envelope>`, action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+contactControlURL, bytes.NewReader(body.Bytes()))
	if err != nil {
		return fetchErr(ErrMalformed, action, err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", contactService+"#"+action)

	data, err := c.do(req, action)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(data, out); err != nil {
		return fetchErr(ErrMalformed, action, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fetchErr(ErrNetwork, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fetchErr(ErrAuth, op, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		// TR-064 reports SOAP faults with 500; an unknown phonebook id lands here too.
		return nil, fetchErr(ErrMalformed, op, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fetchErr(ErrMalformed, op, fmt.Errorf("unexpected HTTP %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fetchErr(ErrNetwork, op, err)
	}
	return data, nil
}
