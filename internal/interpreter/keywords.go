package interpreter

var incomeKeywords = []string{
	"recebi", "receber", "entrada", "ganho", "ganhei", "salário",
	"pagamento", "depósito", "crédito", "rendimento",
}

var expenseKeywords = []string{
	"gastei", "gastar", "paguei", "pagar", "comprei", "comprar",
	"saída", "despesa", "débito", "gasto",
}

type categoryKeyword struct {
	keyword  string
	category Category
}

// categoryKeywords is scanned in order; the first keyword contained in the
// transcript decides the category.
var categoryKeywords = []categoryKeyword{
	{"mercado", Food},
	{"supermercado", Food},
	{"comida", Food},
	{"restaurante", Food},
	{"lanche", Food},
	{"almoço", Food},
	{"jantar", Food},
	{"café", Food},
	{"padaria", Food},

	{"uber", Transport},
	{"taxi", Transport},
	{"ônibus", Transport},
	{"metrô", Transport},
	{"combustível", Transport},
	{"gasolina", Transport},
	{"transporte", Transport},
	{"estacionamento", Transport},

	{"aluguel", Housing},
	{"condomínio", Housing},
	{"água", Housing},
	{"luz", Housing},
	{"energia", Housing},
	{"internet", Housing},
	{"gás", Housing},

	{"médico", Health},
	{"farmácia", Health},
	{"remédio", Health},
	{"consulta", Health},
	{"hospital", Health},
	{"dentista", Health},

	{"cinema", Entertainment},
	{"show", Entertainment},
	{"festa", Entertainment},
	{"lazer", Entertainment},
	{"streaming", Entertainment},
	{"netflix", Entertainment},
	{"spotify", Entertainment},

	{"curso", Education},
	{"faculdade", Education},
	{"escola", Education},
	{"livro", Education},
	{"material", Education},

	{"roupa", Shopping},
	{"sapato", Shopping},
	{"loja", Shopping},
	{"compra", Shopping},

	{"salário", Salary},
	{"pagamento", Salary},
	{"freelance", Freelance},
	{"freela", Freelance},

	{"investimento", Investment},
	{"ação", Investment},
	{"fundo", Investment},
	{"renda", Investment},

	{"pix", Pix},
	{"transferência", Pix},
}

type dateKeyword struct {
	keyword string
	offset  int
}

// anteontem contains ontem, so it has to be tried first.
var dateKeywords = []dateKeyword{
	{"hoje", 0},
	{"agora", 0},
	{"anteontem", -2},
	{"ontem", -1},
}

var monthNames = []string{
	"janeiro", "fevereiro", "março", "marco", "abril", "maio", "junho",
	"julho", "agosto", "setembro", "outubro", "novembro", "dezembro",
}
