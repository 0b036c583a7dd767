package workflow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/westcon-mx/facturador/internal/merchant"
	"github.com/westcon-mx/facturador/internal/scanning"
	"github.com/westcon-mx/facturador/internal/workflow"
)

// fakeTesseract answers every tesseract invocation with a fixed transcript
type fakeTesseract struct {
	stdout string
}

func (f *fakeTesseract) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return []byte(f.stdout), nil, nil
}

func photo() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(2, 2, color.Black)
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Integration", func() {
	var (
		tempDir  string
		db       *merchant.BoltDB
		runner   *fakeTesseract
		ghServer *ghttp.Server
		ctrl     *workflow.Controller
	)

	open := func() {
		var err error
		db, err = merchant.NewBoltDB(filepath.Join(tempDir, "facturador.db"))
		Expect(err).NotTo(HaveOccurred())

		store := merchant.NewStore(db)
		_, err = store.Load()
		Expect(err).NotTo(HaveOccurred())

		images, err := workflow.NewLocalStorage(filepath.Join(tempDir, "tickets"))
		Expect(err).NotTo(HaveOccurred())

		recognizer := scanning.NewTesseractWithRunner(scanning.TesseractConfig{TempDir: tempDir}, runner)
		ctrl = workflow.NewController(recognizer, merchant.NewResolver(merchant.Registry(), store), store, images, workflow.Config{})

		server := workflow.NewServer(ctrl, workflow.BasicAuth{})
		ghServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			ghServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.Handler().ServeHTTP)
		}
	}

	shutdown := func() {
		if ghServer != nil {
			ghServer.Close()
			ghServer = nil
		}
		if db != nil {
			Expect(db.Close()).To(Succeed())
			db = nil
		}
	}

	upload := func() {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "IMG_2041.PNG")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(photo())
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghServer.URL()+"/api/receipts", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
	}

	session := func() workflow.Session {
		resp, err := http.Get(ghServer.URL() + "/api/session")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		var s workflow.Session
		Expect(json.NewDecoder(resp.Body).Decode(&s)).To(Succeed())
		return s
	}

	state := func() workflow.State {
		return session().State
	}

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
		runner = &fakeTesseract{stdout: "FONDA DOÑA LUPE\nRFC FDL010101AB1\nTICKET # 5521\n03/04/2024\nTOTAL SIN PROPINA: $1,250.50\nPROPINA: $150.00\nTOTAL: $1,400.50\n\f"}
		open()
	})

	AfterEach(func() {
		shutdown()
	})

	It("should teach an unknown merchant and remember it after a restart", func() {
		// --- first ticket: nothing identifies the portal ---
		upload()
		Eventually(state).Should(Equal(workflow.StateAwaitingManualPortal))

		s := session()
		Expect(s.Receipt.MerchantName).To(Equal("FONDA DOÑA LUPE"))
		Expect(s.Receipt.Folio).To(Equal("5521"))
		Expect(s.Receipt.Total.StringFixed(2)).To(Equal("1250.50"))

		resp, err := http.Post(ghServer.URL()+"/api/session/portal", "application/json", strings.NewReader(`{"url":"facturacion.fondalupe.mx"}`))
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = http.Post(ghServer.URL()+"/api/session/open", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		var opened struct {
			URL     string `json:"url"`
			Summary string `json:"summary"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&opened)).To(Succeed())
		resp.Body.Close()
		Expect(opened.URL).To(HavePrefix("https://facturacion.fondalupe.mx?"))
		Expect(opened.URL).To(ContainSubstring("total=1250.50"))
		Expect(opened.URL).To(ContainSubstring("rfc_emisor=FDL010101AB1"))
		Expect(opened.Summary).To(ContainSubstring("Total a facturar: $1250.50"))

		// --- restart with the same database ---
		shutdown()
		open()

		upload()
		Eventually(state).Should(Equal(workflow.StateReady))

		s = session()
		Expect(s.Decision.Origin).To(Equal(merchant.OriginLearned))
		Expect(s.Decision.URL).To(Equal("https://facturacion.fondalupe.mx"))
		Expect(ctrl.Learned(5)).To(HaveLen(1))
	})

	It("should keep the uploaded ticket viewable until the next capture", func() {
		upload()
		Eventually(state).Should(Equal(workflow.StateAwaitingManualPortal))

		resp, err := http.Get(ghServer.URL() + "/api/session/image")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))

		Expect(filepath.Join(tempDir, "tickets", "1_IMG_2041.png")).To(BeAnExistingFile())

		upload()
		Eventually(func() uint64 { return session().Cycle }).Should(Equal(uint64(2)))
		Expect(filepath.Join(tempDir, "tickets", "1_IMG_2041.png")).NotTo(BeAnExistingFile())
		Eventually(state).Should(Equal(workflow.StateAwaitingManualPortal))
	})
})
