package conversation

import (
	"fmt"

	"github.com/BTreeMap/SevakBot/internal/models"
)

type messageKey int

const (
	msgLanguagePrompt messageKey = iota
	msgLanguageSelected
	msgMenu
	msgMenuQuestion
	msgMenuFooter
	msgNamePrompt
	msgProblemPrompt
	msgComplaintSaved
	msgCandidateHeader
	msgCandidateMissing
	msgSchemesHeader
	msgSchemesEmpty
	msgEventsHeader
	msgEventsEmpty
	msgQuestionPrompt
	msgLetterTypePrompt
	msgLetterTypeInvalid
	msgLetterNamePrompt
	msgLetterSaved
	msgApology
)

// LanguagePollQuestion and LanguagePollOptions define the onboarding poll.
// The option labels must stay recognizable by inbound.LanguageFromLabel.
const LanguagePollQuestion = "Please choose your language / कृपया आपली भाषा निवडा / कृपया अपनी भाषा चुनें"

var LanguagePollOptions = []string{"English", "मराठी (Marathi)", "हिंदी (Hindi)"}

var messages = map[messageKey]map[models.Language]string{
	msgLanguagePrompt: {
		models.LangEnglish: "🙏 Welcome!\n\nPlease choose your language:\n1️⃣ English\n2️⃣ मराठी\n3️⃣ हिंदी\n\n_Reply with the number._",
	},
	msgLanguageSelected: {
		models.LangEnglish: "✅ Language set to English.",
		models.LangMarathi: "✅ भाषा मराठी निवडली आहे.",
		models.LangHindi:   "✅ भाषा हिंदी चुनी गई है।",
	},
	msgMenu: {
		models.LangEnglish: "🏛 *%s*\n\nHow can I help you today?\n\n1️⃣ Report a Problem 📝\n2️⃣ Candidate Info 👤\n3️⃣ Schemes 📜\n4️⃣ Upcoming Events 🗓\n5️⃣ Request a Letter 📄",
		models.LangMarathi: "🏛 *%s*\n\nआम्ही आपली कशी मदत करू शकतो?\n\n1️⃣ तक्रार नोंदवा 📝\n2️⃣ उमेदवार माहिती 👤\n3️⃣ योजना 📜\n4️⃣ आगामी कार्यक्रम 🗓\n5️⃣ पत्राची विनंती 📄",
		models.LangHindi:   "🏛 *%s*\n\nहम आपकी कैसे मदद कर सकते हैं?\n\n1️⃣ शिकायत दर्ज करें 📝\n2️⃣ उम्मीदवार जानकारी 👤\n3️⃣ योजनाएं 📜\n4️⃣ आगामी कार्यक्रम 🗓\n5️⃣ पत्र का अनुरोध 📄",
	},
	msgMenuQuestion: {
		models.LangEnglish: "\n6️⃣ Ask a Question ❓",
		models.LangMarathi: "\n6️⃣ प्रश्न विचारा ❓",
		models.LangHindi:   "\n6️⃣ प्रश्न पूछें ❓",
	},
	msgMenuFooter: {
		models.LangEnglish: "\n\n_Reply with the number to select an option. Send *menu* at any time to come back here._",
		models.LangMarathi: "\n\n_पर्याय निवडण्यासाठी क्रमांक पाठवा. परत येण्यासाठी कधीही *menu* पाठवा._",
		models.LangHindi:   "\n\n_विकल्प चुनने के लिए नंबर भेजें. वापस आने के लिए कभी भी *menu* भेजें._",
	},
	msgNamePrompt: {
		models.LangEnglish: "Please enter your *Full Name*:",
		models.LangMarathi: "कृपया आपले *पूर्ण नाव* लिहा:",
		models.LangHindi:   "कृपया अपना *पूरा नाम* लिखें:",
	},
	msgProblemPrompt: {
		models.LangEnglish: "Please describe the *Problem* you are facing:",
		models.LangMarathi: "कृपया आपल्या *समस्येचे* वर्णन करा:",
		models.LangHindi:   "कृपया अपनी *समस्या* का विवरण दें:",
	},
	msgComplaintSaved: {
		models.LangEnglish: "✅ *Complaint Registered Successfully!*\nTicket ID: #%d\nWe will contact you shortly.",
		models.LangMarathi: "✅ *तक्रार यशस्वीरित्या नोंदवली!*\nतिकीट क्रमांक: #%d\nआम्ही लवकरच आपल्याशी संपर्क साधू.",
		models.LangHindi:   "✅ *शिकायत सफलतापूर्वक दर्ज!*\nटिकट आईडी: #%d\nहम जल्द ही आपसे संपर्क करेंगे।",
	},
	msgCandidateHeader: {
		models.LangEnglish: "👤 *Candidate Information*\n\n",
		models.LangMarathi: "👤 *उमेदवार माहिती*\n\n",
		models.LangHindi:   "👤 *उम्मीदवार जानकारी*\n\n",
	},
	msgCandidateMissing: {
		models.LangEnglish: "Candidate information is not available yet.",
		models.LangMarathi: "उमेदवार माहिती अद्याप उपलब्ध नाही.",
		models.LangHindi:   "उम्मीदवार जानकारी अभी उपलब्ध नहीं है।",
	},
	msgSchemesHeader: {
		models.LangEnglish: "📜 *Government Schemes*\n",
		models.LangMarathi: "📜 *सरकारी योजना*\n",
		models.LangHindi:   "📜 *सरकारी योजनाएं*\n",
	},
	msgSchemesEmpty: {
		models.LangEnglish: "No schemes have been published yet.",
		models.LangMarathi: "अद्याप कोणतीही योजना प्रकाशित केलेली नाही.",
		models.LangHindi:   "अभी तक कोई योजना प्रकाशित नहीं की गई है।",
	},
	msgEventsHeader: {
		models.LangEnglish: "🗓 *Upcoming Events*\n",
		models.LangMarathi: "🗓 *आगामी कार्यक्रम*\n",
		models.LangHindi:   "🗓 *आगामी कार्यक्रम*\n",
	},
	msgEventsEmpty: {
		models.LangEnglish: "There are no upcoming events right now.",
		models.LangMarathi: "सध्या कोणतेही आगामी कार्यक्रम नाहीत.",
		models.LangHindi:   "अभी कोई आगामी कार्यक्रम नहीं है।",
	},
	msgQuestionPrompt: {
		models.LangEnglish: "❓ Please type your question:",
		models.LangMarathi: "❓ कृपया आपला प्रश्न लिहा:",
		models.LangHindi:   "❓ कृपया अपना प्रश्न लिखें:",
	},
	msgLetterTypePrompt: {
		models.LangEnglish: "📄 *Select Letter Type*\n\nA. Residential Certificate\nB. Character Certificate\nC. No Objection Certificate (NOC)\n\n_Reply with A, B, or C_",
		models.LangMarathi: "📄 *पत्राचा प्रकार निवडा*\n\nA. रहिवासी दाखला\nB. चारित्र्य प्रमाणपत्र\nC. ना हरकत प्रमाणपत्र (NOC)\n\n_A, B किंवा C पाठवा_",
		models.LangHindi:   "📄 *पत्र का प्रकार चुनें*\n\nA. निवास प्रमाणपत्र\nB. चरित्र प्रमाणपत्र\nC. अनापत्ति प्रमाणपत्र (NOC)\n\n_A, B या C भेजें_",
	},
	msgLetterTypeInvalid: {
		models.LangEnglish: "❌ Invalid option. Please reply with A, B, or C.",
		models.LangMarathi: "❌ चुकीचा पर्याय. कृपया A, B किंवा C पाठवा.",
		models.LangHindi:   "❌ गलत विकल्प. कृपया A, B या C भेजें.",
	},
	msgLetterNamePrompt: {
		models.LangEnglish: "You selected: *%s*\n\nPlease enter your *Full Name* for the certificate:",
		models.LangMarathi: "आपण निवडले: *%s*\n\nप्रमाणपत्रासाठी आपले *पूर्ण नाव* लिहा:",
		models.LangHindi:   "आपने चुना: *%s*\n\nप्रमाणपत्र के लिए अपना *पूरा नाम* लिखें:",
	},
	msgLetterSaved: {
		models.LangEnglish: "✅ *Request Submitted!*\nYour request for a *%s* letter has been received.\nReference: #%d\nWe will notify you once it is approved.",
		models.LangMarathi: "✅ *विनंती सादर झाली!*\nआपली *%s* पत्राची विनंती मिळाली आहे.\nसंदर्भ क्रमांक: #%d\nमंजूर झाल्यावर आम्ही आपल्याला कळवू.",
		models.LangHindi:   "✅ *अनुरोध दर्ज!*\nआपका *%s* पत्र का अनुरोध प्राप्त हुआ है.\nसंदर्भ संख्या: #%d\nस्वीकृत होने पर हम आपको सूचित करेंगे.",
	},
	msgApology: {
		models.LangEnglish: "❌ Sorry, something went wrong on our side. Please try again in a little while.",
		models.LangMarathi: "❌ क्षमस्व, आमच्याकडून काहीतरी चूक झाली. कृपया थोड्या वेळाने पुन्हा प्रयत्न करा.",
		models.LangHindi:   "❌ क्षमा करें, हमारी ओर से कुछ गलत हो गया। कृपया थोड़ी देर बाद फिर से प्रयास करें।",
	},
}

// text returns the message in lang, falling back to English.
func text(lang models.Language, key messageKey, args ...interface{}) string {
	set := messages[key]
	s, ok := set[lang]
	if !ok {
		s = set[models.LangEnglish]
	}
	if len(args) > 0 {
		return fmt.Sprintf(s, args...)
	}
	return s
}
