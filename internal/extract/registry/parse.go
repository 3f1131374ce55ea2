package registry

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

// Column names understood by MapRows.
const (
	ColumnSkip      = "empty"
	ColumnLookupKey = "numeroProcessoExecucao"
	ColumnCode      = "precatorio"
)

// Fields read from a row's detail dialog.
const (
	FieldFaceValue     = "valorFace"
	FieldFaceValueDate = "dataAtualizacaoValorFace"
	FieldAction        = "acao"
)

// Selectors locate the registry's form and result widgets. Each value is a
// CSS selector list; the first match wins.
type Selectors struct {
	EntityInput      string `mapstructure:"entity_input"`
	EntitySuggestion string `mapstructure:"entity_suggestion"`
	YearStartInput   string `mapstructure:"year_start_input"`
	YearEndInput     string `mapstructure:"year_end_input"`
	LoadingIndicator string `mapstructure:"loading_indicator"`
	ResultTable      string `mapstructure:"result_table"`
	ResultRows       string `mapstructure:"result_rows"`
	PaginatorCurrent string `mapstructure:"paginator_current"`
	NextPage         string `mapstructure:"next_page"`

	DetailLink          string `mapstructure:"detail_link"`
	DetailDialog        string `mapstructure:"detail_dialog"`
	DetailFaceValue     string `mapstructure:"detail_face_value"`
	DetailFaceValueDate string `mapstructure:"detail_face_value_date"`
	DetailAction        string `mapstructure:"detail_action"`
	DetailClose         string `mapstructure:"detail_close"`
}

// DefaultSelectors matches the PrimeFaces layout of the public registry.
func DefaultSelectors() Selectors {
	return Selectors{
		EntityInput:      `input[id$="selEntesDevedores_input"], input[id$="entidade_devedora_input"]`,
		EntitySuggestion: `li.ui-autocomplete-item, .ui-autocomplete-items li`,
		YearStartInput:   `input[id$="anoInicio_input"], input[id$="anoInicio"]`,
		YearEndInput:     `input[id$="anoFim_input"], input[id$="anoFim"]`,
		LoadingIndicator: `.ui-blockui, .ui-widget-overlay, .ui-datatable-loading, .ui-overlay-visible`,
		ResultTable:      `#resultado, table[id$="resultado"]`,
		ResultRows:       `#resultado_data tr`,
		PaginatorCurrent: `.ui-paginator-current`,
		NextPage:         `.ui-paginator-next`,

		DetailLink:          `a[id$="nprecatorio"]`,
		DetailDialog:        `#idDialogDetalhe, [id$="idDialogDetalhe"]`,
		DetailFaceValue:     `span[id$="valorFace"], span[id$="valorFace_label"]`,
		DetailFaceValueDate: `span[id$="liquidacao"], span[id$="dataAtualizacaoValorFace"], span[id$="dataAtualizacaoValorFace_label"]`,
		DetailAction:        `span[id$="acao"], span[id$="acao_label"]`,
		DetailClose:         `button[title="Fechar"], a[title="Fechar"], button.ui-dialog-titlebar-close`,
	}
}

// Row is one result table row as read from the page.
type Row struct {
	Cells []string `json:"cells"`
	// DetailID is the element id of the row's detail link, if any.
	DetailID string `json:"detailId"`

	Details   map[string]string `json:"-"`
	DetailErr error             `json:"-"`
}

// ParseDetails trims the values read from a detail dialog and drops the
// empty ones.
func ParseDetails(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		v = strings.Join(strings.Fields(v), " ")
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// DefaultColumns names the result table cells in order.
func DefaultColumns() []string {
	return []string{
		"enteDevedor",
		"precatorio",
		"natureza",
		"nSei",
		"dataProtocolo",
		"dataLiquidacao",
		"credor",
		"situacao",
		ColumnLookupKey,
		ColumnSkip,
	}
}

var pageCountRE = regexp.MustCompile(`(?i)(?:página|pagina|page)\s+\d+\s+(?:de|of)\s+(\d+)`)

// ParsePageCount reads "Página X de N" (or "page X of N") and returns N.
// Anything unparsable counts as a single page.
func ParsePageCount(text string) int {
	m := pageCountRE.FindStringSubmatch(text)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Usable reports whether the row matches the column layout. Headers and
// empty-message rows do not.
func Usable(columns []string, row Row) bool {
	return len(row.Cells) == len(columns)
}

// MapRows turns table rows into records, merging any detail fields and
// carrying a detail failure along. Unusable rows are dropped.
func MapRows(columns []string, rows []Row) []export.Record {
	records := make([]export.Record, 0, len(rows))
	for _, row := range rows {
		if !Usable(columns, row) {
			continue
		}
		fields := make(map[string]string, len(columns)+len(row.Details))
		for i, col := range columns {
			if col == ColumnSkip {
				continue
			}
			fields[col] = strings.TrimSpace(row.Cells[i])
		}
		for k, v := range row.Details {
			fields[k] = v
		}
		records = append(records, export.Record{
			Fields:    fields,
			LookupKey: fields[ColumnLookupKey],
			Parties:   []export.Party{},
			DetailErr: row.DetailErr,
		})
	}
	return records
}
