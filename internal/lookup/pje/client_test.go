package pje

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

const detailHTML = `<html><body>
<div id="j_id150:processoPartesPoloAtivoResumidoList"><table>
<tr><td><span class="text-bold">JOAO DA SILVA - CPF: 123.456.789-00 (EXEQUENTE)</span></td></tr>
<tr><td><span>MARIA SOUZA - OAB MG12345 (ADVOGADO)</span></td></tr>
<tr><td><span>PEDRO LIMA - OAB SP999 (ADVOGADO)</span></td></tr>
<tr><td><span class="text-bold">EMPRESA X LTDA - CNPJ: 12.345.678/0001-90 (EXEQUENTE)</span></td></tr>
<tr><td><span>SEM PAPEL</span></td></tr>
<tr><td>no span here</td></tr>
</table></div>
</body></html>`

func TestNormalizeKeyAndMask(t *testing.T) {
	t.Parallel()

	require.Equal(t, "50012345620208130024", NormalizeKey("5001234-56.2020.8.13.0024"))
	require.Equal(t, "5001234-56.2020.8.13.0024", ApplyProcessMask("50012345620208130024"))
	require.Equal(t, "12345", ApplyProcessMask("12345"))
	require.Equal(t, "", NormalizeKey("n/a"))
}

func TestSearchURL(t *testing.T) {
	t.Parallel()

	full, err := SearchURL("https://pje.test/pje/listView.seam", "50012345620208130024")
	require.NoError(t, err)
	require.Contains(t, full, "numeroProcesso=5001234-56.2020.8.13.0024")
	require.NotContains(t, full, "pesquisaLivre")

	short, err := SearchURL("https://pje.test/pje/listView.seam", "123456")
	require.NoError(t, err)
	require.Contains(t, short, "numeroProcesso=123456")
	require.Contains(t, short, "pesquisaLivre=true")
}

func TestDetailPath(t *testing.T) {
	t.Parallel()

	onclick := `openPopUp('popup', '/pje/ConsultaPublica/DetalheProcessoConsultaPublica/listView.seam?ca=abc')`
	require.Equal(t, "/pje/ConsultaPublica/DetalheProcessoConsultaPublica/listView.seam?ca=abc", DetailPath(onclick, ""))
	require.Equal(t, "/detail/listView.seam?id=1", DetailPath("", "/detail/listView.seam?id=1"))
	require.Empty(t, DetailPath("alert('x')", "#"))
}

func TestParsePartyLine(t *testing.T) {
	t.Parallel()

	party, ok := ParsePartyLine("JOAO DA SILVA - CPF: 123.456.789-00 (EXEQUENTE)")
	require.True(t, ok)
	require.Equal(t, export.Party{Name: "JOAO DA SILVA", Document: "123.456.789-00", Role: "EXEQUENTE"}, party)

	lawyer, ok := ParsePartyLine("MARIA SOUZA - OAB MG12345 (ADVOGADO)")
	require.True(t, ok)
	require.Equal(t, "MARIA SOUZA", lawyer.Name)
	require.Equal(t, "MG12345", lawyer.Document)

	noDash, ok := ParsePartyLine("ESTADO DE MINAS GERAIS (EXECUTADO)")
	require.True(t, ok)
	require.Equal(t, "ESTADO DE MINAS GERAIS", noDash.Name)

	_, ok = ParsePartyLine("SEM PAPEL")
	require.False(t, ok)
}

func TestParseParties(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(detailHTML))
	require.NoError(t, err)

	parties := ParseParties(doc.Find(partiesContainerSelector))
	require.Equal(t, []export.Party{
		{
			Name:     "JOAO DA SILVA",
			Document: "123.456.789-00",
			Role:     "EXEQUENTE",
			Lawyers:  "MARIA SOUZA (OAB: MG12345); PEDRO LIMA (OAB: SP999)",
		},
		{
			Name:     "EMPRESA X LTDA",
			Document: "12.345.678/0001-90",
			Role:     "EXEQUENTE",
		},
	}, parties)
}

func TestParsePartiesLeadingLawyerIgnored(t *testing.T) {
	t.Parallel()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<div id="x:processoPartesPoloAtivoResumidoList"><table><tr><td><span>ANA - OAB MG1 (ADVOGADO)</span></td></tr></table></div>`,
	))
	require.NoError(t, err)
	require.Empty(t, ParseParties(doc.Find(partiesContainerSelector)))
}

type countingWaiter struct {
	calls atomic.Int32
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

func newPJEServer(t *testing.T, searchBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/pje/ConsultaPublica/listView.seam", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "5001234-56.2020.8.13.0024", r.URL.Query().Get("numeroProcesso"))
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, searchBody)
	})
	mux.HandleFunc("/pje/Detalhe/listView.seam", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, detailHTML)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLookupPartiesEndToEnd(t *testing.T) {
	t.Parallel()

	srv := newPJEServer(t, `<html><body><table><tr><td>
<a href="#" onclick="openPopUp('Detalhe', '/pje/Detalhe/listView.seam?ca=abc')">Ver detalhes</a>
</td></tr></table></body></html>`)
	waiter := &countingWaiter{}
	client, err := New(Config{SearchURL: srv.URL + "/pje/ConsultaPublica/listView.seam", Timeout: time.Second}, waiter, nil)
	require.NoError(t, err)

	parties, err := client.LookupParties(context.Background(), "5001234-56.2020.8.13.0024")
	require.NoError(t, err)
	require.Len(t, parties, 2)
	require.Equal(t, "JOAO DA SILVA", parties[0].Name)
	require.Equal(t, int32(2), waiter.calls.Load())
}

func TestLookupPartiesNoResults(t *testing.T) {
	t.Parallel()

	srv := newPJEServer(t, `<html><body><p>Nenhum processo encontrado</p></body></html>`)
	client, err := New(Config{SearchURL: srv.URL + "/pje/ConsultaPublica/listView.seam"}, nil, nil)
	require.NoError(t, err)

	parties, err := client.LookupParties(context.Background(), "50012345620208130024")
	require.NoError(t, err)
	require.NotNil(t, parties)
	require.Empty(t, parties)
}

func TestLookupPartiesShortKeySkipsNetwork(t *testing.T) {
	t.Parallel()

	waiter := &countingWaiter{}
	client, err := New(Config{SearchURL: "http://127.0.0.1:1/search"}, waiter, nil)
	require.NoError(t, err)

	parties, err := client.LookupParties(context.Background(), "12-34")
	require.NoError(t, err)
	require.Empty(t, parties)
	require.Zero(t, waiter.calls.Load())
}

func TestLookupPartiesServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client, err := New(Config{SearchURL: srv.URL + "/search"}, nil, nil)
	require.NoError(t, err)
	_, err = client.LookupParties(context.Background(), "50012345620208130024")
	require.Error(t, err)
}

func TestNewRequiresSearchURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}
