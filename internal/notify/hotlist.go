package notify

// defaultHotlist is the built-in set of venues every recipient is notified
// about unless they exclude them. Names are stored normalized.
var defaultHotlist = []string{
	"carbone",
	"i sodi",
	"don angie",
	"lilia",
	"torrisi",
	"parm",
	"via carota",
	"l'artusi",
	"rezdora",
	"cecconi's",
	"barbuto",
	"marea",
	"4 charles prime rib",
	"le bernardin",
	"eleven madison park",
	"per se",
	"the grill",
	"the pool",
	"balthazar",
	"daniel",
	"jean-georges",
	"monkey bar",
	"sushi nakazawa",
	"cote",
	"odo",
	"yoshino",
	"noda",
	"sushi noz",
	"torien",
	"bondst",
	"blue ribbon sushi",
	"le coucou",
	"frenchette",
	"buvette",
	"la mercerie",
	"chez zou",
	"claudette",
	"la pecora bianca",
	"peter luger",
	"quality meats",
	"sparks",
	"altro paradiso",
	"laser wolf",
	"the four horsemen",
	"sailor",
	"penny",
	"hags",
	"joji",
	"claud",
	"dame",
	"the river cafe",
	"cervo's",
	"misi",
	"pastis",
	"minetta tavern",
	"scarr's pizza",
	"rosella",
	"gaia",
	"tatiana",
	"gramercy tavern",
	"the spotted pig",
	"gage & tollner",
	"francie",
	"gem",
	"nura",
	"place des fetes",
	"superiority burger",
	"estela",
	"king",
	"aska",
	"oxalis",
	"olmsted",
	"al di la",
	"hometown bbq",
}

// Hotlist returns the normalized built-in notify set.
func Hotlist() map[string]struct{} {
	set := make(map[string]struct{}, len(defaultHotlist))
	for _, name := range defaultHotlist {
		set[NormalizeVenueName(name)] = struct{}{}
	}
	return set
}
