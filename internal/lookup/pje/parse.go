package pje

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

const (
	minKeyDigits  = 5
	cnjDigits     = 20
	lawyerRole    = "ADVOGADO"
	missingOAB    = "N/A"
	lawyerJoiner  = "; "
	processParam  = "numeroProcesso"
	freeTextParam = "pesquisaLivre"
)

const (
	detailLinkSelector       = `a[onclick*="listView.seam"], a[href*="listView.seam"]`
	partiesContainerSelector = `[id$="processoPartesPoloAtivoResumidoList"]`
	partyRowSelector         = `.pje-parte-processual, tr`
)

var (
	nonDigitRE   = regexp.MustCompile(`\D`)
	detailPathRE = regexp.MustCompile(`'([^']+\.seam[^']*)'`)
	roleRE       = regexp.MustCompile(`\((.*?)\)`)
	nameRE       = regexp.MustCompile(`^(.*?)-`)
	documentRE   = regexp.MustCompile(`(?:CPF|CNPJ):\s*([\d./-]+)`)
	oabRE        = regexp.MustCompile(`OAB\s*([A-Z]{2}\d+)`)
)

// NormalizeKey strips everything but digits.
func NormalizeKey(key string) string {
	return nonDigitRE.ReplaceAllString(key, "")
}

// ApplyProcessMask formats a 20-digit number with the CNJ mask
// NNNNNNN-DD.AAAA.J.TR.OOOO. Other lengths are returned unchanged.
func ApplyProcessMask(digits string) string {
	if len(digits) != cnjDigits {
		return digits
	}
	return fmt.Sprintf("%s-%s.%s.%s.%s.%s",
		digits[0:7], digits[7:9], digits[9:13], digits[13:14], digits[14:16], digits[16:20])
}

// SearchURL builds the consultation URL for a normalized process number.
// Numbers that are not full CNJ numbers use the free-text search.
func SearchURL(base, digits string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	q.Set(processParam, ApplyProcessMask(digits))
	if len(digits) != cnjDigits {
		q.Set(freeTextParam, "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DetailPath extracts the detail page path from a result link, preferring
// the JavaScript popup target over the href.
func DetailPath(onclick, href string) string {
	if m := detailPathRE.FindStringSubmatch(onclick); m != nil {
		return m[1]
	}
	if strings.Contains(href, ".seam") {
		return href
	}
	return ""
}

// ParseParties reads the active-pole list. Each entry looks like
// "NAME - CPF: 000.000.000-00 (ROLE)"; lawyers follow the party they
// represent and are folded into its Lawyers field.
func ParseParties(container *goquery.Selection) []export.Party {
	parties := []export.Party{}
	current := -1
	container.Find(partyRowSelector).Each(func(_ int, row *goquery.Selection) {
		name := row.Find("span.text-bold").First()
		if name.Length() == 0 {
			name = row.Find("span").First()
		}
		if name.Length() == 0 {
			return
		}
		party, ok := ParsePartyLine(strings.TrimSpace(name.Text()))
		if !ok {
			return
		}
		if party.Role != lawyerRole {
			parties = append(parties, party)
			current = len(parties) - 1
			return
		}
		if current < 0 {
			return
		}
		oab := party.Document
		if oab == "" {
			oab = missingOAB
		}
		entry := fmt.Sprintf("%s (OAB: %s)", party.Name, oab)
		if parties[current].Lawyers != "" {
			parties[current].Lawyers += lawyerJoiner
		}
		parties[current].Lawyers += entry
	})
	return parties
}

// ParsePartyLine parses one party label. Lines without a parenthesized
// role are not parties. For lawyers, Document carries the OAB number.
func ParsePartyLine(text string) (export.Party, bool) {
	role := roleRE.FindStringSubmatch(text)
	if role == nil {
		return export.Party{}, false
	}
	party := export.Party{Role: strings.TrimSpace(role[1])}
	if m := nameRE.FindStringSubmatch(text); m != nil {
		party.Name = strings.TrimSpace(m[1])
	} else {
		party.Name = strings.TrimSpace(strings.SplitN(text, "(", 2)[0])
	}
	if party.Role == lawyerRole {
		if m := oabRE.FindStringSubmatch(text); m != nil {
			party.Document = m[1]
		}
		return party, true
	}
	if m := documentRE.FindStringSubmatch(text); m != nil {
		party.Document = strings.TrimSpace(m[1])
	}
	return party, true
}
